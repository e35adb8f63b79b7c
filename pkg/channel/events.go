package channel

// ChannelInputShutdownEvent is fired as a user event when the remote peer has closed
// its write side and the channel allows half closure.
type ChannelInputShutdownEvent struct{}

// ChannelOutputShutdownEvent is fired as a user event once the local write side
// has been shut down.
type ChannelOutputShutdownEvent struct{}

// Address is a plain network/address pair, dialed or listened on as given.
type Address struct {
	Net  string
	Addr string
}

// NewAddress returns an Address for network and addr.
func NewAddress(network, addr string) *Address {
	return &Address{Net: network, Addr: addr}
}

func (a *Address) Network() string { return a.Net }

func (a *Address) String() string { return a.Addr }
