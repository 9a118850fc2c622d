package socks

// commandHandler is a tagged variant over the commands a connection can
// carry. Only CONNECT has behavior today; other commands keep just their
// byte tag, so supporting BIND or UDP ASSOCIATE later is a matter of
// adding a field and an arm, not a type hierarchy.
type commandHandler struct {
	cmd     byte
	connect *connectHandler
}

// process forwards one relay message to the active handler.
func (h commandHandler) process(data []byte) byte {
	if h.connect == nil {
		return ErrUnsupportedCommand
	}
	return h.connect.process(data)
}
