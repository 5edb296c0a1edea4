package transaction

// The INVITE and non-INVITE client FSMs, RFC 3261 §17.1.1/§17.1.2 plus
// the RFC 6026 Accepted-state extension: after a 2xx is passed up, the
// transaction lingers in Accepted absorbing any 2xx retransmission the
// TU itself re-sends (e.g. while building its own ACK) instead of
// terminating immediately, so a duplicate final response never reaches
// a dead transaction.

func (tx *ClientTx) inviteCalling(in clientInput) clientInput {
	switch in {
	case client1xx:
		tx.setState(Proceeding)
		tx.fsmState = tx.inviteProceeding
		out := tx.actInviteProceeding()
		tx.mu.Lock()
		pending := tx.cancelPending
		tx.cancelPending = false
		tx.mu.Unlock()
		if pending {
			tx.cancelSend()
		}
		return out
	case client2xx:
		tx.setState(Accepted)
		tx.fsmState = tx.inviteAccepted
		return tx.actPassupAccept()
	case client300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.inviteCompleted
		return tx.actInviteFinal()
	case clientCancel:
		// RFC 3261 §9.1: a CANCEL must not be sent before at least one
		// provisional response has arrived. Record the request and send
		// it once this transaction reaches Proceeding instead.
		tx.mu.Lock()
		tx.cancelPending = true
		tx.mu.Unlock()
		return clientInputNone
	case clientTimerA:
		return tx.actInviteResend()
	case clientTimerB:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTimeout()
	case clientTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTransErr()
	}
	return clientInputNone
}

func (tx *ClientTx) inviteProceeding(in clientInput) clientInput {
	switch in {
	case client1xx:
		return tx.actPassup()
	case client2xx:
		tx.setState(Accepted)
		tx.fsmState = tx.inviteAccepted
		return tx.actPassupAccept()
	case client300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.inviteCompleted
		return tx.actInviteFinal()
	case clientCancel:
		return tx.actCancel()
	case clientTimerB:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTimeout()
	case clientTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTransErr()
	}
	return clientInputNone
}

func (tx *ClientTx) inviteCompleted(in clientInput) clientInput {
	switch in {
	case client300Plus:
		return tx.actAck()
	case clientTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTransErr()
	case clientTimerD:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actDelete()
	}
	return clientInputNone
}

// inviteAccepted is the RFC 6026 extension state: absorb duplicate 2xx's
// until Timer M fires.
func (tx *ClientTx) inviteAccepted(in clientInput) clientInput {
	switch in {
	case client2xx:
		return tx.actPassup()
	case clientTransportErr:
		return tx.actTransErrKeepAlive()
	case clientTimerM:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actDelete()
	}
	return clientInputNone
}

func (tx *ClientTx) inviteTerminated(in clientInput) clientInput {
	if in == clientDelete {
		return tx.actDelete()
	}
	return clientInputNone
}

func (tx *ClientTx) nonInviteTrying(in clientInput) clientInput {
	switch in {
	case client1xx:
		tx.setState(Proceeding)
		tx.fsmState = tx.nonInviteProceeding
		return tx.actPassup()
	case client2xx, client300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.nonInviteCompleted
		return tx.actFinal()
	case clientTimerA:
		return tx.actResend()
	case clientTimerB:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTimeout()
	case clientTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTransErr()
	}
	return clientInputNone
}

func (tx *ClientTx) nonInviteProceeding(in clientInput) clientInput {
	switch in {
	case client1xx:
		return tx.actPassup()
	case client2xx, client300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.nonInviteCompleted
		return tx.actFinal()
	case clientTimerA:
		return tx.actResend()
	case clientTimerB:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTimeout()
	case clientTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTransErr()
	}
	return clientInputNone
}

func (tx *ClientTx) nonInviteCompleted(in clientInput) clientInput {
	switch in {
	case clientDelete, clientTimerD:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actDelete()
	}
	return clientInputNone
}

func (tx *ClientTx) nonInviteTerminated(in clientInput) clientInput {
	if in == clientDelete {
		return tx.actDelete()
	}
	return clientInputNone
}

// Actions.

func (tx *ClientTx) actInviteResend() clientInput {
	tx.mu.Lock()
	tx.timerATime *= 2
	tx.mu.Unlock()
	tx.timerA.Reset(tx.timerATime)
	tx.resend()
	return clientInputNone
}

func (tx *ClientTx) actResend() clientInput {
	tx.mu.Lock()
	tx.timerATime *= 2
	if tx.timerATime > tx.timers.T2 {
		tx.timerATime = tx.timers.T2
	}
	tx.mu.Unlock()
	tx.timerA.Reset(tx.timerATime)
	tx.resend()
	return clientInputNone
}

func (tx *ClientTx) actPassup() clientInput {
	tx.passUp()
	stopTimers(tx.timerA)
	return clientInputNone
}

func (tx *ClientTx) actInviteProceeding() clientInput {
	tx.passUp()
	stopTimers(tx.timerA, tx.timerB)
	return clientInputNone
}

func (tx *ClientTx) actInviteFinal() clientInput {
	tx.ackSend()
	tx.passUp()
	stopTimers(tx.timerA, tx.timerB)
	tx.timerD = tx.clock.AfterFunc(tx.timerDTime, func() { tx.spin(clientTimerD) })
	return clientInputNone
}

func (tx *ClientTx) actFinal() clientInput {
	tx.passUp()
	stopTimers(tx.timerA, tx.timerB)
	if tx.timerDTime > 0 {
		tx.timerD = tx.clock.AfterFunc(tx.timers.timerK(), func() { tx.spin(clientTimerD) })
		return clientInputNone
	}
	return clientDelete
}

func (tx *ClientTx) actCancel() clientInput {
	tx.cancelSend()
	return clientInputNone
}

func (tx *ClientTx) actAck() clientInput {
	tx.ackSend()
	return clientInputNone
}

func (tx *ClientTx) actTransErr() clientInput {
	tx.reportErr(wrapTransportErr(tx.Err()))
	stopTimers(tx.timerA)
	return clientDelete
}

func (tx *ClientTx) actTransErrKeepAlive() clientInput {
	tx.reportErr(wrapTransportErr(tx.Err()))
	return clientInputNone
}

func (tx *ClientTx) actTimeout() clientInput {
	tx.reportErr(ErrTransactionTimeout)
	stopTimers(tx.timerA)
	return clientDelete
}

func (tx *ClientTx) actPassupAccept() clientInput {
	tx.passUp()
	stopTimers(tx.timerA, tx.timerB)
	tx.timerM = tx.clock.AfterFunc(tx.timers.timerM(), func() { tx.spin(clientTimerM) })
	return clientInputNone
}

func (tx *ClientTx) actDelete() clientInput {
	tx.delete()
	return clientInputNone
}
