package dialog

import (
	"bytes"
	"testing"

	"github.com/nksip-go/core/sip"
	"github.com/stretchr/testify/require"
)

func parseReq(t testing.TB, lines ...string) *sip.Request {
	t.Helper()
	raw := bytes.Join(toBytes(lines), []byte("\r\n"))
	msg, err := sip.ParseMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func parseRes(t testing.TB, lines ...string) *sip.Response {
	t.Helper()
	raw := bytes.Join(toBytes(lines), []byte("\r\n"))
	msg, err := sip.ParseMessage(raw)
	require.NoError(t, err)
	res, ok := msg.(*sip.Response)
	require.True(t, ok)
	return res
}

func toBytes(lines []string) [][]byte {
	out := make([][]byte, 0, len(lines)+2)
	for _, l := range lines {
		out = append(out, []byte(l))
	}
	out = append(out, []byte(""), []byte(""))
	return out
}

func testInvite(t testing.TB) *sip.Request {
	return parseReq(t,
		"INVITE sip:bob@uas.example.com SIP/2.0",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-uac-1",
		"From: <sip:alice@uac.example.com>;tag=uac-tag",
		"To: <sip:bob@uas.example.com>",
		"Call-ID: dialog-test-call-1",
		"CSeq: 1 INVITE",
		"Contact: <sip:alice@uac.example.com:5060>",
		"Content-Length: 0",
	)
}

func TestEngineUACDialogEstablishedOnRingingThenConfirmedOn200(t *testing.T) {
	e := NewEngine()
	invite := testInvite(t)

	ringing := parseRes(t,
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-uac-1",
		"From: <sip:alice@uac.example.com>;tag=uac-tag",
		"To: <sip:bob@uas.example.com>;tag=uas-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 1 INVITE",
		"Record-Route: <sip:p2.example.com;lr>",
		"Record-Route: <sip:p1.example.com;lr>",
		"Contact: <sip:bob@uas.example.com:5060>",
		"Content-Length: 0",
	)

	d, err := e.OnUACResponse(invite, ringing)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, Early, d.State())
	require.Equal(t, "uac-tag", d.LocalTag)
	require.Equal(t, "uas-tag", d.RemoteTag)
	require.Len(t, d.RouteSet, 2)
	require.Equal(t, "p1.example.com", d.RouteSet[0].Host, "UAC route_set is the Record-Route list reversed")
	require.Equal(t, "p2.example.com", d.RouteSet[1].Host)

	ok := parseRes(t,
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-uac-1",
		"From: <sip:alice@uac.example.com>;tag=uac-tag",
		"To: <sip:bob@uas.example.com>;tag=uas-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 1 INVITE",
		"Record-Route: <sip:p2.example.com;lr>",
		"Record-Route: <sip:p1.example.com;lr>",
		"Contact: <sip:bob@uas.example.com:5060>",
		"Content-Length: 0",
	)

	d2, err := e.OnUACResponse(invite, ok)
	require.NoError(t, err)
	require.Same(t, d, d2, "same dialog is updated, not duplicated")
	require.Equal(t, Confirmed, d.State())
	require.Equal(t, 1, e.Len())
}

func TestEngineUASMirrorsRouteSetInRecordedOrder(t *testing.T) {
	e := NewEngine()
	invite := testInvite(t)
	invite.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Scheme: "sip", Host: "p1.example.com"}})
	invite.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Scheme: "sip", Host: "p2.example.com"}})

	ok := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	ok.To().Params = sip.HeaderParams{{K: "tag", V: "uas-tag"}}
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "uas.example.com", Port: 5060}})

	d, err := e.OnUASResponseSent(invite, ok)
	require.NoError(t, err)
	require.Equal(t, RoleUAS, d.Role)
	require.Len(t, d.RouteSet, 2)
	require.Equal(t, "p1.example.com", d.RouteSet[0].Host, "UAS route_set keeps recorded order")
	require.Equal(t, "p2.example.com", d.RouteSet[1].Host)
	require.Equal(t, Confirmed, d.State())
}

func TestEngineByeMovesDialogToTerminated(t *testing.T) {
	e := NewEngine()
	invite := testInvite(t)
	ok := parseRes(t,
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-uac-1",
		"From: <sip:alice@uac.example.com>;tag=uac-tag",
		"To: <sip:bob@uas.example.com>;tag=uas-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 1 INVITE",
		"Contact: <sip:bob@uas.example.com:5060>",
		"Content-Length: 0",
	)
	d, err := e.OnUACResponse(invite, ok)
	require.NoError(t, err)
	require.Equal(t, Confirmed, d.State())

	bye := parseReq(t,
		"BYE sip:alice@uac.example.com:5060 SIP/2.0",
		"Via: SIP/2.0/UDP uas.example.com:5060;branch=z9hG4bK-uas-1",
		"From: <sip:bob@uas.example.com>;tag=uas-tag",
		"To: <sip:alice@uac.example.com>;tag=uac-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 1 BYE",
		"Content-Length: 0",
	)

	d2, err := e.HandleInDialogRequest(bye, RoleUAC)
	require.NoError(t, err)
	require.Same(t, d, d2)
	require.Equal(t, Terminated, d.State())
}

func TestEngineInDialogRequestRejectsStaleCSeq(t *testing.T) {
	e := NewEngine()
	invite := testInvite(t)
	ok := parseRes(t,
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-uac-1",
		"From: <sip:alice@uac.example.com>;tag=uac-tag",
		"To: <sip:bob@uas.example.com>;tag=uas-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 1 INVITE",
		"Contact: <sip:bob@uas.example.com:5060>",
		"Content-Length: 0",
	)
	_, err := e.OnUACResponse(invite, ok)
	require.NoError(t, err)

	firstInfo := parseReq(t,
		"INFO sip:alice@uac.example.com:5060 SIP/2.0",
		"Via: SIP/2.0/UDP uas.example.com:5060;branch=z9hG4bK-uas-2",
		"From: <sip:bob@uas.example.com>;tag=uas-tag",
		"To: <sip:alice@uac.example.com>;tag=uac-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 2 INFO",
		"Content-Length: 0",
	)
	_, err = e.HandleInDialogRequest(firstInfo, RoleUAC)
	require.NoError(t, err)

	replayedInfo := parseReq(t,
		"INFO sip:alice@uac.example.com:5060 SIP/2.0",
		"Via: SIP/2.0/UDP uas.example.com:5060;branch=z9hG4bK-uas-3",
		"From: <sip:bob@uas.example.com>;tag=uas-tag",
		"To: <sip:alice@uac.example.com>;tag=uac-tag",
		"Call-ID: dialog-test-call-1",
		"CSeq: 2 INFO",
		"Content-Length: 0",
	)
	_, err = e.HandleInDialogRequest(replayedInfo, RoleUAC)
	require.ErrorIs(t, err, ErrInvalidCSeq)
}
