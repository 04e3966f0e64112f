package services

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"callrelay/internal/core/domain"
)

// IdentityGenerator builds per-join participant identities of the form
// role-uid-<clock>-<seq>. The sequence makes identities unique within the process
// even when the clock does not advance between joins.
type IdentityGenerator struct {
	seq atomic.Uint64
	now func() time.Time
}

func NewIdentityGenerator() *IdentityGenerator {
	return &IdentityGenerator{now: time.Now}
}

func (g *IdentityGenerator) Next(role domain.Role, uid string) string {
	n := g.seq.Add(1)
	var b strings.Builder
	b.WriteString(string(role))
	b.WriteByte('-')
	b.WriteString(uid)
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(g.now().UnixNano(), 36))
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(n, 10))
	return b.String()
}
