package zorptls

const kChannelSize = 1024 * 1024

// msgType
const (
	kClientInputConnect    = 1
	kClientInputUp         = 2
	kClientInputUpEOF      = 3
	kClientClose           = 4
	kRemoteInputDown       = 5
	kRemoteInputDownEOF    = 6
	kRemoteClose           = 8
	kLocalClose            = 9
	kClientInputConnectSSL = 10
)

const kMsgRecvMaxLen = 512 * 1024
const kReaderBuf = 128 * 1024

// Wire opcodes as seen from the local-side peer engine (peer.go, local.go):
// the names it already used but never defined. Aliased onto the
// direction-specific constants above so the two engines agree on the wire.
const (
	kCmdConnect    = kClientInputConnect
	kCmdConnectSSL = kClientInputConnectSSL
	kCmdData       = kClientInputUp
	kCmdEOF        = kClientInputUpEOF
	kCmdClose      = kClientClose
)
