package syncer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DynamoDB schema constants for the single-table primary store
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrEntityType = "entity_type"
	AttrSequence   = "seq"

	// Entity types
	EntityTypeMemo = "Memo"

	// IndexChangeFeed orders every memo by its latest write sequence
	IndexChangeFeed = "GSI1"
)

// maxFeedGaps bounds how many sequences above the watermark a token keeps.
// A sequence still missing after that many later writes is given up on: its
// write either failed or was overwritten before any reader saw it.
const maxFeedGaps = 64

// Key builders for single-table design

// Memo keys: PK=MEMO#{id}, SK=META
func memoPK(id string) string {
	return fmt.Sprintf("MEMO#%s", id)
}

func memoSK() string {
	return "META"
}

// Write sequence counter: PK=COUNTER, SK=MEMO_SEQ. It carries no GSI1 keys,
// so it never shows up in the change feed.
func counterPK() string {
	return "COUNTER"
}

func counterSK() string {
	return "MEMO_SEQ"
}

// Change feed keys: GSI1PK=MEMOS, GSI1SK={seq}#{id}. The sequence comes from
// the table counter, not a clock, so a writer with a skewed clock cannot land
// behind a reader's token. Rewriting a memo moves it to the end of the feed.
func changeFeedPK() string {
	return "MEMOS"
}

func changeFeedSK(seq int64, id string) string {
	return fmt.Sprintf("%s#%s", feedSeq(seq), id)
}

func feedSeq(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func parseChangeFeedSK(sk string) (int64, error) {
	prefix, _, ok := strings.Cut(sk, "#")
	if !ok {
		return 0, fmt.Errorf("malformed change feed key %q", sk)
	}
	return strconv.ParseInt(prefix, 10, 64)
}

// feedToken is the DynamoDB continuation token: every sequence up to
// watermark was delivered, and so was every sequence in seen. Sequences
// above the watermark that are not in seen are gaps: allocated by a writer
// whose item is not visible in the index yet.
//
// Encoded as "{watermark}" or "{watermark}+{seq},{seq}...".
type feedToken struct {
	watermark int64
	seen      map[int64]bool
}

func parseFeedToken(token string) (*feedToken, error) {
	t := &feedToken{seen: make(map[int64]bool)}
	if token == "" {
		return t, nil
	}

	head, rest, _ := strings.Cut(token, "+")
	wm, err := strconv.ParseInt(head, 10, 64)
	if err != nil || wm < 0 {
		return nil, fmt.Errorf("invalid continuation token %q", token)
	}
	t.watermark = wm
	if rest == "" {
		return t, nil
	}
	for _, part := range strings.Split(rest, ",") {
		seq, err := strconv.ParseInt(part, 10, 64)
		if err != nil || seq <= wm {
			return nil, fmt.Errorf("invalid continuation token %q", token)
		}
		t.seen[seq] = true
	}
	return t, nil
}

// deliver records seq and reports whether it is new to this token
func (t *feedToken) deliver(seq int64) bool {
	if seq <= t.watermark || t.seen[seq] {
		return false
	}
	t.seen[seq] = true
	return true
}

// compact advances the watermark over contiguous sequences and drops gaps
// that fell too far behind
func (t *feedToken) compact() {
	for {
		for t.seen[t.watermark+1] {
			delete(t.seen, t.watermark+1)
			t.watermark++
		}
		if len(t.seen) <= maxFeedGaps {
			return
		}
		lowest := int64(-1)
		for seq := range t.seen {
			if lowest < 0 || seq < lowest {
				lowest = seq
			}
		}
		t.watermark = lowest - 1
	}
}

func (t *feedToken) String() string {
	if len(t.seen) == 0 {
		return strconv.FormatInt(t.watermark, 10)
	}
	seqs := make([]int64, 0, len(t.seen))
	for seq := range t.seen {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	parts := make([]string, len(seqs))
	for i, seq := range seqs {
		parts[i] = strconv.FormatInt(seq, 10)
	}
	return strconv.FormatInt(t.watermark, 10) + "+" + strings.Join(parts, ",")
}
