package system

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

const (
	RequestPrefix = "req_"
	MessagePrefix = "msg_"
)

const nanoidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func GenerateUUID() string {
	return uuid.New().String()
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

// GenerateDevServerRequestID builds req_<owner>_<unix millis>_<suffix>. The
// random suffix keeps ids unique when one owner submits twice in a millisecond.
func GenerateDevServerRequestID(ownerID string, now time.Time) string {
	return fmt.Sprintf("%s%s_%d_%s", RequestPrefix, ownerID, now.UnixMilli(), gonanoid.MustGenerate(nanoidAlphabet, 7))
}

func GenerateMessageID() string {
	return fmt.Sprintf("%s%s", MessagePrefix, newID())
}

// GenerateLockToken returns a holder token for the project lock.
func GenerateLockToken() string {
	return GenerateUUID()
}
