package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.EventID))
	_, _ = h.Write([]byte("|" + e.OccurredAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Outcome)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}
