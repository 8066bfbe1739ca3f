package version

// ProtocolVersion identifies the client/gateway protocol revision. It is sent on every response.
const ProtocolVersion = "1.0.0"

// Header is the response header carrying ProtocolVersion.
const Header = "X-Protocol-Version"

// Version of the gateway binary, set at build time with
// -ldflags "-X github.com/ubuygold/ocgateway/internal/version.Version=vX.Y.Z".
var Version = "dev"
