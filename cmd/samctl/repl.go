package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/ssamrtl/ssamrtl/codec"
	"github.com/ssamrtl/ssamrtl/config"
	"github.com/ssamrtl/ssamrtl/rtl"
)

// repl is an interactive command sender, in the same bufio.Reader-driven
// style as the teacher's wizard.Wizard.Run, generalized from a one-shot
// setup wizard to a standing request/response/event console.
type repl struct {
	r      *rtl.RTL
	link   *config.Link
	events *eventLog
	reader *bufio.Reader
}

func newREPL(r *rtl.RTL, link *config.Link, events *eventLog) *repl {
	return &repl{r: r, link: link, events: events, reader: bufio.NewReader(os.Stdin)}
}

func (c *repl) Run() {
	fmt.Println()
	fmt.Println("  samctl - interactive link console")
	fmt.Println("  send <rqid-hex> <payload-hex>   submit a response-expecting request")
	fmt.Println("  post <rqid-hex> <payload-hex>   submit a fire-and-forget request")
	fmt.Println("  events                          show recently received events")
	fmt.Println("  flush                           wait for all in-flight work to drain")
	fmt.Println("  quit                            exit")
	fmt.Println()

	for {
		fmt.Print("samctl> ")
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !c.dispatch(line) {
			return
		}
	}
}

func (c *repl) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "quit", "exit":
		return false
	case "events":
		c.printEvents()
	case "flush":
		c.runFlush()
	case "send":
		c.runSubmit(fields[1:], rtl.HasResponse)
	case "post":
		c.runSubmit(fields[1:], 0)
	default:
		fmt.Printf("  unknown command %q\n", cmd)
	}
	return true
}

func (c *repl) printEvents() {
	recent := c.events.Recent()
	if len(recent) == 0 {
		fmt.Println("  (no events yet)")
		return
	}
	for _, ev := range recent {
		fmt.Printf("  %s  rqid=0x%04x  %s\n", ev.At.Format(time.RFC3339), ev.Rqid, ev.Display)
	}
}

func (c *repl) runFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.r.Flush(ctx, 5*time.Second); err != nil {
		fmt.Printf("  flush failed: %v\n", err)
		return
	}
	fmt.Println("  flush complete")
}

func (c *repl) runSubmit(args []string, flags rtl.Flags) {
	if len(args) < 1 {
		fmt.Println("  usage: send|post <rqid-hex> [payload-hex]")
		return
	}
	rqid, err := hex.DecodeString(pad4(args[0]))
	if err != nil || len(rqid) != 2 {
		fmt.Printf("  bad rqid %q: %v\n", args[0], err)
		return
	}
	var payload []byte
	if len(args) > 1 {
		payload, err = hex.DecodeString(args[1])
		if err != nil {
			fmt.Printf("  bad payload %q: %v\n", args[1], err)
			return
		}
	}

	frame := append([]byte{rqid[1], rqid[0]}, payload...) // little-endian rqid

	done := make(chan struct {
		data []byte
		err  error
	}, 1)
	req := rtl.NewRequest(frame, flags, &replOps{done: done})

	if err := c.r.Submit(req); err != nil {
		fmt.Printf("  submit failed: %v\n", err)
		return
	}

	if flags&rtl.HasResponse == 0 {
		fmt.Println("  posted")
		return
	}

	select {
	case res := <-done:
		if res.err != nil {
			fmt.Printf("  error: %v\n", res.err)
			return
		}
		fmt.Printf("  response:\n%s\n", indent(wrapToTerminalWidth(codec.Render(res.data, codec.FormatHex))))
	case <-time.After(10 * time.Second):
		fmt.Println("  no response within 10s; cancelling")
		c.r.Cancel(req, true)
		<-done
	}
}

func pad4(s string) string {
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

// wrapToTerminalWidth re-wraps an already 16-byte-per-line hex payload
// rendering (codec.Render) to the actual terminal width, falling back to
// a sane default when stdin isn't a real terminal (piped input, a
// script driving the REPL).
func wrapToTerminalWidth(s string) string {
	width, _, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for len(line) > width {
			out = append(out, line[:width])
			line = line[width:]
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

type replOps struct {
	done chan struct {
		data []byte
		err  error
	}
}

func (o *replOps) Complete(_ *rtl.Request, data []byte, status error) {
	o.done <- struct {
		data []byte
		err  error
	}{data, status}
}

func (o *replOps) Release(_ *rtl.Request) {}
