package xid

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// InvoiceNumber renders <prefix>-YYMMDD-NNNN with a random four digit
// suffix. Collisions are possible and are resolved by the store's unique
// constraint.
func InvoiceNumber(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, now.UTC().Format("060102"), rand.IntN(10000))
}
