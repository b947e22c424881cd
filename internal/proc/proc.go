// Package proc reads process details from /proc. The hook helper uses it to
// find the terminal the agent runs in.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Stat holds the /proc/<pid>/stat fields the bridge cares about.
type Stat struct {
	Pid   int
	Comm  string
	PPid  int
	TTYNr int
}

// Reader reads process information below Root, normally /proc.
type Reader struct {
	Root string
}

func NewReader() *Reader {
	return &Reader{Root: "/proc"}
}

func (r *Reader) ReadStat(pid int) (Stat, error) {
	path := filepath.Join(r.Root, strconv.Itoa(pid), "stat")
	data, err := os.ReadFile(path)
	if err != nil {
		return Stat{}, err
	}
	st, ok := parseStat(string(data))
	if !ok {
		return Stat{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	st.Pid = pid
	return st, nil
}

// ControllingTTY returns the device path of pid's controlling terminal, or
// "" when it has none.
func (r *Reader) ControllingTTY(pid int) (string, error) {
	st, err := r.ReadStat(pid)
	if err != nil {
		return "", err
	}
	return ttyPath(st.TTYNr), nil
}

func parseStat(stat string) (Stat, bool) {
	stat = strings.TrimSpace(stat)
	if stat == "" {
		return Stat{}, false
	}

	rparen := strings.LastIndex(stat, ")")
	lparen := strings.Index(stat, "(")
	if lparen == -1 || rparen == -1 || rparen <= lparen || rparen+2 > len(stat) {
		return Stat{}, false
	}

	st := Stat{Comm: stat[lparen+1 : rparen]}
	// state ppid pgrp session tty_nr ...
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 5 {
		return st, false
	}

	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return st, false
	}
	st.PPid = ppid

	ttyNr, err := strconv.Atoi(rest[4])
	if err != nil {
		return st, false
	}
	st.TTYNr = ttyNr
	return st, true
}

// ttyPath decodes the kernel's tty_nr device number. Only pseudo terminals
// and virtual consoles are mapped.
func ttyPath(ttyNr int) string {
	if ttyNr == 0 {
		return ""
	}
	major := (ttyNr >> 8) & 0xfff
	minor := (ttyNr & 0xff) | ((ttyNr >> 12) & 0xfff00)

	switch {
	case major >= 136 && major <= 143:
		return fmt.Sprintf("/dev/pts/%d", (major-136)*256+minor)
	case major == 4 && minor < 64:
		return fmt.Sprintf("/dev/tty%d", minor)
	}
	return ""
}
