package verification_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/element-android-sub023/internal/services/verification"
)

func TestDecimalCode(t *testing.T) {
	assert.Equal(t, [3]int{1000, 1000, 1000}, verification.DecimalCode(make([]byte, 6)))
	assert.Equal(t, [3]int{9191, 9191, 9191},
		verification.DecimalCode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
	// 1, 2 and 1 in the three 13-bit groups.
	assert.Equal(t, [3]int{1001, 1002, 1001},
		verification.DecimalCode([]byte{0x00, 0x08, 0x00, 0x80, 0x02, 0x00}))
}

func TestEmojiCode(t *testing.T) {
	got := verification.EmojiCode([]byte{0x04, 0x20, 0xc4, 0x14, 0x61, 0xc8})
	names := make([]string, len(got))
	for i, e := range got {
		names[i] = e.Description
	}
	assert.Equal(t, []string{"Cat", "Lion", "Horse", "Unicorn", "Pig", "Elephant", "Rabbit"}, names)

	all := verification.EmojiCode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	for _, e := range all {
		assert.Equal(t, verification.EmojiAt(63), e)
		assert.Equal(t, "Pin", e.Description)
	}
}

func TestCancelReasons(t *testing.T) {
	assert.Equal(t, "Mismatched commitment", verification.CancelMismatchedCommitment.Reason())
	assert.Equal(t, "Unknown", verification.CancelCode("m.whatever").Reason())
}
