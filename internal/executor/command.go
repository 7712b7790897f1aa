package executor

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

const defaultShell = "/bin/sh"

// remoteCommand is what a transport sends: the command line and an
// optional body fed to the remote process on stdin.
type remoteCommand struct {
	Line  string
	Stdin string
}

// shellCommand renders an action for a POSIX shell target.
func shellCommand(action models.Action) (remoteCommand, error) {
	switch action.Type {
	case models.ActionCommand:
		if action.Command == nil {
			return remoteCommand{}, missingParams(action)
		}
		return remoteCommand{Line: action.Command.Command}, nil

	case models.ActionScript:
		if action.Script == nil {
			return remoteCommand{}, missingParams(action)
		}
		interp := action.Script.Interpreter
		if interp == "" {
			interp = defaultShell
		}
		argv := []string{interp}
		if isShell(interp) {
			argv = append(argv, "-s", "--")
		} else {
			argv = append(argv, "-")
		}
		argv = append(argv, action.Script.Args...)
		return remoteCommand{Line: shellquote.Join(argv...), Stdin: action.Script.Body}, nil

	case models.ActionFileTransfer:
		ft := action.FileTransfer
		if ft == nil {
			return remoteCommand{}, missingParams(action)
		}
		data, err := transferContent(ft)
		if err != nil {
			return remoteCommand{}, err
		}
		dest := shellquote.Join(ft.Destination)
		line := fmt.Sprintf("mkdir -p %s && cat > %s", shellquote.Join(path.Dir(ft.Destination)), dest)
		if ft.Mode != "" {
			line += fmt.Sprintf(" && chmod %s %s", shellquote.Join(ft.Mode), dest)
		}
		return remoteCommand{Line: line, Stdin: string(data)}, nil
	}
	return remoteCommand{}, errors.Newf("unsupported action type %q", action.Type)
}

func isShell(interp string) bool {
	switch path.Base(interp) {
	case "sh", "bash", "dash", "zsh", "ksh", "ash":
		return true
	}
	return false
}

// transferContent returns the bytes to copy: inline content wins over a
// source path on the engine host.
func transferContent(ft *models.FileTransferParams) ([]byte, error) {
	if ft.Content != "" {
		return []byte(ft.Content), nil
	}
	data, err := os.ReadFile(ft.Source)
	if err != nil {
		return nil, errors.Wrapf(err, "read transfer source %s", ft.Source)
	}
	return data, nil
}

func missingParams(action models.Action) error {
	return errors.Newf("action %q of type %s has no parameters", action.Name, action.Type)
}

// winrmChunk bounds the base64 payload per PowerShell invocation to stay
// well under the WinRM command line limit.
const winrmChunk = 6000

// powershellCommands renders an action for a Windows target as one or more
// command lines run in sequence.
func powershellCommands(action models.Action, encode func(string) string) ([]remoteCommand, error) {
	switch action.Type {
	case models.ActionCommand:
		if action.Command == nil {
			return nil, missingParams(action)
		}
		return []remoteCommand{{Line: action.Command.Command}}, nil

	case models.ActionScript:
		s := action.Script
		if s == nil {
			return nil, missingParams(action)
		}
		interp := strings.ToLower(s.Interpreter)
		if interp == "" || interp == "powershell" || interp == "pwsh" {
			script := s.Body
			if len(s.Args) > 0 {
				script = fmt.Sprintf("& {\n%s\n} %s", s.Body, psArgs(s.Args))
			}
			return []remoteCommand{{Line: encode(script)}}, nil
		}
		return []remoteCommand{{Line: strings.Join(append([]string{s.Interpreter}, s.Args...), " "), Stdin: s.Body}}, nil

	case models.ActionFileTransfer:
		ft := action.FileTransfer
		if ft == nil {
			return nil, missingParams(action)
		}
		data, err := transferContent(ft)
		if err != nil {
			return nil, err
		}
		dest := psQuote(ft.Destination)
		b64 := base64.StdEncoding.EncodeToString(data)
		cmds := []remoteCommand{{Line: encode(fmt.Sprintf(
			"New-Item -ItemType Directory -Force -Path (Split-Path -Parent %s) | Out-Null; [IO.File]::WriteAllBytes(%s, [byte[]]@())", dest, dest))}}
		for len(b64) > 0 {
			n := winrmChunk
			if n > len(b64) {
				n = len(b64)
			}
			cmds = append(cmds, remoteCommand{Line: encode(fmt.Sprintf(
				"$b = [Convert]::FromBase64String('%s'); $f = [IO.File]::Open(%s, 'Append'); $f.Write($b, 0, $b.Length); $f.Close()",
				b64[:n], dest))})
			b64 = b64[n:]
		}
		return cmds, nil
	}
	return nil, errors.Newf("unsupported action type %q", action.Type)
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func psArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = psQuote(a)
	}
	return strings.Join(quoted, " ")
}
