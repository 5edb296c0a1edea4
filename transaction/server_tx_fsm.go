package transaction

// The INVITE and non-INVITE server FSMs, RFC 3261 §17.2.1/§17.2.2 plus
// the RFC 6026 Accepted state: once the TU hands over a 2xx the
// transaction stops retransmitting it itself (that becomes the TU's
// job, end to end) but still lingers absorbing a duplicate INVITE the
// far end resends before it has seen the 2xx, until Timer L fires.

func (tx *ServerTx) inviteProceeding(in serverInput) serverInput {
	switch in {
	case serverRequest, server1xx:
		return tx.actRespond()
	case serverCancel:
		return tx.actCancel()
	case server2xx:
		tx.setState(Accepted)
		tx.fsmState = tx.inviteAccepted
		return tx.actRespondAccept()
	case server300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.inviteCompleted
		return tx.actRespondComplete()
	case serverTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTransErr()
	}
	return serverInputNone
}

func (tx *ServerTx) inviteCompleted(in serverInput) serverInput {
	switch in {
	case serverRequest:
		return tx.actRespond()
	case serverAck:
		tx.setState(Confirmed)
		tx.fsmState = tx.inviteConfirmed
		return tx.actConfirm()
	case serverTimerG:
		return tx.actRespondComplete()
	case serverTimerH:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTimeout()
	case serverTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actTransErr()
	}
	return serverInputNone
}

func (tx *ServerTx) inviteConfirmed(in serverInput) serverInput {
	if in == serverTimerI {
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actDelete()
	}
	return serverInputNone
}

// inviteAccepted absorbs a duplicate INVITE/2xx until Timer L fires.
func (tx *ServerTx) inviteAccepted(in serverInput) serverInput {
	switch in {
	case serverAck:
		return tx.actPassupAck()
	case server2xx:
		return tx.actRespond()
	case serverTimerL:
		tx.setState(Terminated)
		tx.fsmState = tx.inviteTerminated
		return tx.actDelete()
	}
	return serverInputNone
}

func (tx *ServerTx) inviteTerminated(in serverInput) serverInput {
	if in == serverDelete {
		return tx.actDelete()
	}
	return serverInputNone
}

func (tx *ServerTx) nonInviteTrying(in serverInput) serverInput {
	switch in {
	case server1xx:
		tx.setState(Proceeding)
		tx.fsmState = tx.nonInviteProceeding
		return tx.actRespond()
	case server2xx, server300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.nonInviteCompleted
		return tx.actFinal()
	case serverTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTransErr()
	}
	return serverInputNone
}

func (tx *ServerTx) nonInviteProceeding(in serverInput) serverInput {
	switch in {
	case serverRequest, server1xx:
		return tx.actRespond()
	case server2xx, server300Plus:
		tx.setState(Completed)
		tx.fsmState = tx.nonInviteCompleted
		return tx.actFinal()
	case serverTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTransErr()
	}
	return serverInputNone
}

func (tx *ServerTx) nonInviteCompleted(in serverInput) serverInput {
	switch in {
	case serverRequest:
		return tx.actRespond()
	case serverTimerJ:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actDelete()
	case serverTransportErr:
		tx.setState(Terminated)
		tx.fsmState = tx.nonInviteTerminated
		return tx.actTransErr()
	}
	return serverInputNone
}

func (tx *ServerTx) nonInviteTerminated(in serverInput) serverInput {
	if in == serverDelete {
		return tx.actDelete()
	}
	return serverInputNone
}

// Actions.

func (tx *ServerTx) actRespond() serverInput {
	if err := tx.passResp(); err != nil {
		return serverTransportErr
	}
	return serverInputNone
}

func (tx *ServerTx) actRespondComplete() serverInput {
	if err := tx.passResp(); err != nil {
		return serverTransportErr
	}

	if !tx.reliable {
		tx.mu.Lock()
		if tx.timerG == nil {
			tx.timerGTime = tx.timers.timerG()
			tx.timerG = tx.clock.AfterFunc(tx.timerGTime, func() { tx.spin(serverTimerG) })
		} else {
			tx.timerGTime *= 2
			if tx.timerGTime > tx.timers.T2 {
				tx.timerGTime = tx.timers.T2
			}
			tx.timerG.Reset(tx.timerGTime)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timerH == nil {
		tx.timerH = tx.clock.AfterFunc(tx.timers.timerH(), func() { tx.spin(serverTimerH) })
	}
	tx.mu.Unlock()

	return serverInputNone
}

func (tx *ServerTx) actRespondAccept() serverInput {
	if err := tx.passResp(); err != nil {
		return serverTransportErr
	}
	tx.timerL = tx.clock.AfterFunc(tx.timers.timerL(), func() { tx.spin(serverTimerL) })
	return serverInputNone
}

func (tx *ServerTx) actPassupAck() serverInput {
	go tx.passAck()
	return serverInputNone
}

func (tx *ServerTx) actFinal() serverInput {
	if err := tx.passResp(); err != nil {
		return serverTransportErr
	}
	tx.timerJ = tx.clock.AfterFunc(tx.timers.timerJ(), func() { tx.spin(serverTimerJ) })
	return serverInputNone
}

func (tx *ServerTx) actConfirm() serverInput {
	tx.mu.Lock()
	if tx.timerG != nil {
		tx.timerG.Stop()
		tx.timerG = nil
	}
	if tx.timerH != nil {
		tx.timerH.Stop()
		tx.timerH = nil
	}
	tx.mu.Unlock()

	tx.timerI = tx.clock.AfterFunc(tx.timers.timerI(), func() { tx.spin(serverTimerI) })
	go tx.passAck()
	return serverInputNone
}

func (tx *ServerTx) actCancel() serverInput {
	go tx.passCancel()
	return serverInputNone
}

func (tx *ServerTx) actTransErr() serverInput {
	tx.reportErr(wrapTransportErr(tx.Err()))
	return serverDelete
}

func (tx *ServerTx) actTimeout() serverInput {
	tx.reportErr(ErrTransactionTimeout)
	return serverDelete
}

func (tx *ServerTx) actDelete() serverInput {
	tx.delete()
	return serverInputNone
}
