package crypto

import (
	"strings"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// Fingerprint formats an Ed25519 key for display, in groups of four
// characters separated by spaces.
func Fingerprint(key domain.Ed25519Key) domain.Fingerprint {
	s := string(key)
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return domain.Fingerprint(b.String())
}
