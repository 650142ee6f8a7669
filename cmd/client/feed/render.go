package feed

import (
	"fmt"
	"io"
	"strings"

	v1 "tasting/shared/contracts/presence/v1"
)

// Render prints the grid group by group. Free slots show as "-", the chair
// (first seat of each group) is marked with "*".
func Render(w io.Writer, slots, groupSize int, sessions []v1.Session) error {
	if slots <= 0 || groupSize <= 0 {
		_, err := fmt.Fprintln(w, "(no layout yet)")
		return err
	}
	bySlot := make(map[int]v1.Session, len(sessions))
	for _, s := range sessions {
		bySlot[s.SlotID] = s
	}

	var b strings.Builder
	for start := 1; start <= slots; start += groupSize {
		fmt.Fprintf(&b, "group %d:", (start-1)/groupSize+1)
		for id := start; id < start+groupSize && id <= slots; id++ {
			mark := ""
			if id == start {
				mark = "*"
			}
			name := "-"
			if s, ok := bySlot[id]; ok {
				name = s.OperatorName
				if name == "" {
					name = s.OperatorID
				}
			}
			fmt.Fprintf(&b, "  %d%s=%s", id, mark, name)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d/%d occupied\n", len(sessions), slots)
	_, err := io.WriteString(w, b.String())
	return err
}
