package addon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExecOpener opens modules shipped as executables in Dirs. A module
// executable answers two subcommands:
//
//	describe    prints {"name","version","entryPoints"} as JSON
//	transcribe  reads a Call as JSON on stdin and writes JSON lines to
//	            stdout: {"progress":N} updates, then one Result object
//
// Native failures are reported on stderr with a non-zero exit status.
type ExecOpener struct {
	Dirs []string
	Log  *zap.Logger
}

type description struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	EntryPoints []string `json:"entryPoints"`
}

func (o *ExecOpener) Open(ctx context.Context, name string) (Module, error) {
	path, err := o.find(name)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, "describe")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, nativeError(name, err, stderr.String())
	}

	var desc description
	if err := json.Unmarshal(out, &desc); err != nil {
		return nil, fmt.Errorf("%s: decode describe output: %w", name, err)
	}
	if desc.Name == "" {
		desc.Name = name
	}

	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &execModule{path: path, desc: desc, log: log.Named("addon").With(zap.String("module", name))}, nil
}

func (o *ExecOpener) find(name string) (string, error) {
	file := name
	if runtime.GOOS == "windows" {
		file += ".exe"
	}
	for _, dir := range o.Dirs {
		path := filepath.Join(dir, file)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("%s: %w", name, err)
		}
		if info.IsDir() {
			continue
		}
		if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%s: not executable: corrupted installation", name)
		}
		return path, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrModuleNotFound)
}

// maxOutputLine bounds a single JSON line written by a module.
var maxOutputLine = 16 * 1024 * 1024

// pipeWaitDelay bounds how long Wait keeps copying stderr after the module
// exits, in case a grandchild still holds the pipe.
const pipeWaitDelay = 2 * time.Second

type execModule struct {
	path string
	desc description
	log  *zap.Logger
}

func (m *execModule) Name() string          { return m.desc.Name }
func (m *execModule) Version() string       { return m.desc.Version }
func (m *execModule) EntryPoints() []string { return m.desc.EntryPoints }
func (m *execModule) Close() error          { return nil }

type transcribeLine struct {
	Progress *float64  `json:"progress,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`
	Done     bool      `json:"done,omitempty"`
}

func (m *execModule) Transcribe(ctx context.Context, call Call) (*Result, error) {
	input, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	cmd := exec.CommandContext(ctx, m.path, "transcribe")
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeWaitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nativeError(m.desc.Name, err, "")
	}

	result := &Result{}
	var nativeErr string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxOutputLine)), maxOutputLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg transcribeLine
		if err := json.Unmarshal(line, &msg); err != nil {
			m.log.Debug("ignoring non-JSON module output", zap.ByteString("line", line))
			continue
		}
		switch {
		case msg.Error != "":
			nativeErr = msg.Error
		case msg.Progress != nil:
			if call.Progress != nil {
				call.Progress(*msg.Progress)
			}
		default:
			result.Segments = append(result.Segments, msg.Segments...)
			result.Warnings = append(result.Warnings, msg.Warnings...)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// Nobody reads stdout past this point; a child still writing would
		// block on the pipe and Wait would never return.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("read module output: %w", scanErr)
	}

	if err := cmd.Wait(); err != nil {
		if nativeErr != "" {
			return nil, errors.New(nativeErr)
		}
		return nil, nativeError(m.desc.Name, err, stderr.String())
	}
	if nativeErr != "" {
		return nil, errors.New(nativeErr)
	}
	return result, nil
}

// nativeError keeps the module's own error text so it can be classified.
func nativeError(name string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %s: %w", name, stderr, err)
}
