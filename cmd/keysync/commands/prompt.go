package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// readSecret prompts for a value without echo when stdin is a terminal and
// otherwise reads the first line of the command's input.
func readSecret(cmd *cli.Command, prompt string) (string, error) {
	root := cmd.Root()
	if f, ok := root.Reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(root.ErrWriter, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(root.ErrWriter)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return nonEmpty(string(b))
	}
	return readLine(root.Reader)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return nonEmpty(strings.TrimRight(line, "\r\n"))
}

func nonEmpty(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty input")
	}
	return s, nil
}
