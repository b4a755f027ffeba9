package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errPickerCancelled = errors.New("device selection cancelled")

// FindDevice returns the first input whose name or ID contains query,
// case-insensitively.
func FindDevice(devices []DeviceInfo, query string) (*DeviceInfo, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	for i, d := range devices {
		if strings.ToLower(d.ID) == q || strings.Contains(strings.ToLower(d.Name), q) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, query)
}

// SelectDevice lets the user pick a microphone with the arrow keys.
// With a single device it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	idx, err := runPicker(os.Stdin, os.Stdout, devices)
	if err != nil {
		return nil, err
	}
	return &devices[idx], nil
}

func renderPicker(w io.Writer, devices []DeviceInfo, cursor int) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select microphone (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range devices {
		btTag := ""
		if IsBluetooth(d.Name) {
			btTag = " \x1b[33m[⚠ Lower audio quality]\x1b[0m"
		}
		if i == cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, btTag)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, btTag)
		}
	}
}

func runPicker(in io.Reader, out io.Writer, devices []DeviceInfo) (int, error) {
	cursor := 0
	renderPicker(out, devices, cursor)

	buf := make([]byte, 3)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("reading input: %w", err)
		}

		if n == 1 {
			switch buf[0] {
			case 13: // Enter
				fmt.Fprint(out, "\r\n")
				return cursor, nil
			case 3, 'q': // Ctrl+C
				fmt.Fprint(out, "\r\n")
				return 0, errPickerCancelled
			case 'j':
				cursor = min(cursor+1, len(devices)-1)
			case 'k':
				cursor = max(cursor-1, 0)
			}
		} else if n == 3 && buf[0] == 0x1b && buf[1] == '[' {
			switch buf[2] {
			case 'A':
				cursor = max(cursor-1, 0)
			case 'B':
				cursor = min(cursor+1, len(devices)-1)
			}
		}

		fmt.Fprintf(out, "\x1b[%dA", len(devices)+2)
		renderPicker(out, devices, cursor)
	}
}
