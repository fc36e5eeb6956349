package zorptls

// Side identifies one of the two endpoints of a proxied connection.
type Side int

const (
	// Client is the endpoint facing the connecting client.
	Client Side = iota
	// Server is the endpoint facing the upstream server.
	Server
)

func (s Side) String() string {
	switch s {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// Other flips the side.
func Other(s Side) Side {
	if s == Client {
		return Server
	}
	return Client
}
