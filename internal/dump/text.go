package dump

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/SimplyPrint/mifare-agent/internal/mifare"
)

type textStyles struct {
	label   lipgloss.Style
	header  lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	trailer lipgloss.Style
}

// newTextStyles binds styles to w. Colors only appear when w is a
// terminal; files and buffers get plain text.
func newTextStyles(w io.Writer) textStyles {
	r := lipgloss.NewRenderer(w)
	return textStyles{
		label:   r.NewStyle().Bold(true),
		header:  r.NewStyle().Bold(true).Underline(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("2")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		trailer: r.NewStyle().Faint(true),
	}
}

// WriteText renders snap as a summary followed by one row per block.
func WriteText(w io.Writer, snap *mifare.CardSnapshot) error {
	st := newTextStyles(w)
	bw := bufio.NewWriter(w)

	field := func(name, value string) {
		fmt.Fprintf(bw, "%s %s\n", st.label.Render(fmt.Sprintf("%-9s", name)), value)
	}
	field("UID", snap.UID)
	field("Type", fmt.Sprintf("%s (%d bytes, %d sectors)", snap.Type, snap.Size, snap.SectorCount))
	if !snap.ReadAt.IsZero() {
		field("Read at", snap.ReadAt.Format(time.RFC3339))
	}
	field("Sectors", fmt.Sprintf("%d/%d authenticated", snap.SuccessfulSectors, snap.SectorCount))
	if snap.Digest != "" {
		field("Digest", snap.Digest)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, st.header.Render(fmt.Sprintf("%3s %3s %4s  %-32s  %-16s  %s", "SEC", "BLK", "ABS", "DATA", "ASCII", "STATUS")))
	for _, b := range snap.Blocks {
		row := fmt.Sprintf("%3d %3d %4d  %-32s  %-16s", b.Sector, b.Block, b.AbsBlock, b.Hex, b.Text)
		if b.IsTrailer && b.Status == mifare.StatusOK {
			row = st.trailer.Render(row)
		}
		status := st.ok.Render(string(b.Status))
		if b.Status != mifare.StatusOK {
			status = st.failed.Render(string(b.Status))
		}
		fmt.Fprintf(bw, "%s  %s\n", row, status)
	}

	return bw.Flush()
}
