package common

// Link is the unreliable datagram radio the driver rides on.
//
// Transmit reports only whether the frame was accepted for transmission. The
// outcome of the transmission arrives later through the send callback, which
// may fire on any goroutine, including synchronously inside Transmit.
type Link interface {
	Init() error
	Deinit() error

	SetChannel(channel uint8) error
	SetPrimaryKey(pmk []byte) error

	AddPeer(peer Peer) error
	RemovePeer(addr Address) error

	Transmit(dst Address, frame []byte) error

	SetSendCallback(LinkSendCallback)
	SetRecvCallback(LinkRecvCallback)
}
