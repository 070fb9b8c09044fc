package signalservice

import (
	"context"

	"github.com/google/uuid"

	"github.com/gwillem/signal-receiver/internal/proto"
	"github.com/gwillem/signal-receiver/internal/signalws"
)

// pipeConn is the WebSocket interface used by MessagePipe.
type pipeConn interface {
	ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error)
	WriteMessage(ctx context.Context, msg *proto.WebSocketMessage) error
	SendResponse(ctx context.Context, id uint64, status uint32, message string) error
	State() signalws.State
	Close() error
}

// RecipientResolver maps an address to a locally assigned recipient id.
type RecipientResolver interface {
	RecipientID(ctx context.Context, addr Address) (int64, error)
}

// CredentialRequestContext is the client-side state of a profile key
// credential request.
type CredentialRequestContext interface {
	// Request returns the serialized credential request sent to the server.
	Request() []byte
}

// ProfileKeyCredential is a verified zero-knowledge profile key credential.
type ProfileKeyCredential []byte

// ZkProfileOperations performs the zero-knowledge profile key operations.
type ZkProfileOperations interface {
	// ProfileKeyVersion returns the hex version string of profileKey for id.
	ProfileKeyVersion(profileKey []byte, id uuid.UUID) (string, error)
	CreateCredentialRequest(profileKey []byte, id uuid.UUID) (CredentialRequestContext, error)
	// ReceiveCredential verifies the server response against the request.
	ReceiveCredential(req CredentialRequestContext, response []byte) (ProfileKeyCredential, error)
}
