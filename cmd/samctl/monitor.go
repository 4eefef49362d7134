package main

import (
	"fmt"
	"time"

	"github.com/clipperhouse/uax29/v2/words"
	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

// monitor is a full-screen live dashboard over the event log, offered as
// an alternative to the line-oriented repl for watching a chatty link.
// The teacher repo has no TUI of its own; tcell/go-colorful/runewidth
// are declared in its go.mod but never exercised by its code, so this is
// the home this port gives them (see SPEC_FULL.md's domain stack table).
type monitor struct {
	events *eventLog
	screen tcell.Screen
}

func newMonitor(events *eventLog) (*monitor, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("monitor: new screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("monitor: init screen: %w", err)
	}
	return &monitor{events: events, screen: screen}, nil
}

// Run draws the event feed until the user presses q, Esc, or Ctrl-C.
func (m *monitor) Run() {
	defer m.screen.Fini()

	quit := make(chan struct{})
	go func() {
		for {
			switch ev := m.screen.PollEvent().(type) {
			case *tcell.EventKey:
				switch {
				case ev.Key() == tcell.KeyEscape, ev.Key() == tcell.KeyCtrlC:
					close(quit)
					return
				case ev.Rune() == 'q':
					close(quit)
					return
				}
			case *tcell.EventResize:
				m.screen.Sync()
			}
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			m.draw()
		}
	}
}

func (m *monitor) draw() {
	m.screen.Clear()
	w, h := m.screen.Size()

	header := " samctl monitor — q to quit "
	m.drawLine(0, 0, w, header, tcell.StyleDefault.Bold(true).Reverse(true))

	recent := m.events.Recent()
	row := 1
	// Newest first, oldest at the bottom of the scrollback we can fit.
	for i := len(recent) - 1; i >= 0 && row < h; i-- {
		ev := recent[i]
		line := fmt.Sprintf("%s  rqid=0x%04x  %s", ev.At.Format("15:04:05.000"), ev.Rqid, truncateGraphemes(ev.Display, 200))
		for _, wrapped := range wrapLine(line, w) {
			if row >= h {
				break
			}
			m.drawLine(0, row, w, wrapped, rowStyle(len(recent)-1-i))
			row++
		}
	}

	m.screen.Show()
}

func (m *monitor) drawLine(x, y, maxWidth int, text string, style tcell.Style) {
	col := x
	for _, r := range text {
		if col >= maxWidth {
			break
		}
		m.screen.SetContent(col, y, r, nil, style)
		col += runewidth.RuneWidth(r)
	}
	for ; col < maxWidth; col++ {
		m.screen.SetContent(col, y, ' ', nil, style)
	}
}

// wrapLine breaks text into display-width-bounded chunks on word
// boundaries (via uax29's Unicode word segmentation) rather than byte or
// rune counts, so multi-byte event payloads wrap the same way a person
// reading them would expect.
func wrapLine(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	if runewidth.StringWidth(text) <= width {
		return []string{text}
	}

	var lines []string
	var cur string
	curWidth := 0

	seg := words.NewSegmenter([]byte(text))
	for seg.Next() {
		word := string(seg.Bytes())
		wordWidth := runewidth.StringWidth(word)
		if curWidth+wordWidth > width && cur != "" {
			lines = append(lines, cur)
			cur, curWidth = "", 0
		}
		cur += word
		curWidth += wordWidth
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

// truncateGraphemes caps s at max user-perceived characters, counting by
// grapheme cluster rather than rune so a combining mark or wide CJK
// character is never split in half at the cut point.
func truncateGraphemes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	g := uniseg.NewGraphemes(s)
	var b []byte
	n := 0
	for n < max && g.Next() {
		b = append(b, []byte(g.Str())...)
		n++
	}
	if g.Next() {
		b = append(b, '.', '.', '.')
	}
	return string(b)
}

// rowStyle colors a row by its age (0 = newest): the newest row is
// brightest, and older rows dim and shift in hue, the ramp ending at age 8.
func rowStyle(age int) tcell.Style {
	t := float64(age)
	if t > 8 {
		t = 8
	}
	c := colorful.Hsv(200-t*15, 0.55, 1.0-t*0.05)
	r, g, b := c.RGB255()
	return tcell.StyleDefault.Foreground(tcell.NewRGBColor(int32(r), int32(g), int32(b)))
}
