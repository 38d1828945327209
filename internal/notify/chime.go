package notify

import (
	"fmt"
	"io"
)

// Bell rings the terminal bell on w, which is the only speaker a headless service has.
type Bell struct {
	W io.Writer
}

func (b Bell) Play() error {
	if b.W == nil {
		return fmt.Errorf("bell has no output")
	}
	_, err := io.WriteString(b.W, "\a")
	return err
}
