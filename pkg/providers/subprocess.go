// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/logger"
)

// Subprocess protocol: one JSON object per line on the child's stdin,
// one JSON object per line back on its stdout. Stderr is streamed to the
// logger. The child is restarted on crash with exponential backoff; too many
// consecutive restarts mark the provider unavailable until a call succeeds.
const (
	defaultCallTimeout  = 120 * time.Second
	maxConsecutiveFails = 5
)

type subprocessRequest struct {
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

type subprocessResponse struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Host owns one child model runner and speaks the line protocol to it.
// One request is in flight at a time.
type Host struct {
	name    string // provider slot, for logs
	command []string
	timeout time.Duration

	mu        sync.Mutex
	child     *childProcess
	fails     int
	notBefore time.Time
	bo        *backoff.ExponentialBackOff
}

type childProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// NewHost prepares a host for the given command line. The child is spawned
// lazily on the first call.
func NewHost(name, command string) (*Host, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.NewPermanentConfigError(
			fmt.Sprintf("%s: empty subprocess command", name), nil)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	return &Host{
		name:    name,
		command: fields,
		timeout: defaultCallTimeout,
		bo:      bo,
	}, nil
}

// Call sends one operation to the child and returns its result. Transport
// failures (crash, EOF, timeout) are transient provider errors; protocol
// errors reported by the child are mapped through its error_kind.
func (h *Host) Call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if wait := time.Until(h.notBefore); wait > 0 {
		return nil, errors.NewTransientProviderError(
			fmt.Sprintf("%s: restarting, retry in %s", h.name, wait.Round(time.Millisecond)), nil)
	}
	if h.child == nil {
		if err := h.start(); err != nil {
			h.noteFailure()
			return nil, err
		}
	}

	line, err := json.Marshal(subprocessRequest{Op: op, Args: args})
	if err != nil {
		return nil, errors.NewInternalError("encoding subprocess request", err)
	}
	line = append(line, '\n')
	if _, err := h.child.stdin.Write(line); err != nil {
		h.noteCrash("write", err)
		return nil, errors.NewTransientProviderError(
			fmt.Sprintf("%s: writing to model runner", h.name), err)
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	child := h.child
	go func() {
		l, err := child.stdout.ReadBytes('\n')
		ch <- readResult{l, err}
	}()

	var raw []byte
	select {
	case <-ctx.Done():
		h.noteCrash("cancel", ctx.Err())
		return nil, errors.NewCancelledError(
			fmt.Sprintf("%s: call cancelled", h.name), ctx.Err())
	case <-time.After(h.timeout):
		h.noteCrash("timeout", nil)
		return nil, errors.NewTransientProviderError(
			fmt.Sprintf("%s: %s timed out after %s", h.name, op, h.timeout), nil)
	case r := <-ch:
		if r.err != nil {
			h.noteCrash("read", r.err)
			return nil, errors.NewTransientProviderError(
				fmt.Sprintf("%s: model runner closed the pipe", h.name), r.err)
		}
		raw = r.line
	}

	var resp subprocessResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		h.noteCrash("decode", err)
		return nil, errors.NewTransientProviderError(
			fmt.Sprintf("%s: undecodable response", h.name), err)
	}
	if !resp.OK {
		// A well-formed error response leaves the child usable.
		h.noteSuccess()
		if strings.HasPrefix(resp.ErrorKind, "permanent") {
			return nil, errors.NewPermanentDecodeError(
				fmt.Sprintf("%s: %s", h.name, resp.Message), nil)
		}
		return nil, errors.NewTransientProviderError(
			fmt.Sprintf("%s: %s", h.name, resp.Message), nil)
	}
	h.noteSuccess()
	return resp.Result, nil
}

// start spawns the child and wires its pipes. Caller holds the mutex.
func (h *Host) start() error {
	cmd := exec.Command(h.command[0], h.command[1:]...) // #nosec G204 -- command comes from operator config
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.NewTransientProviderError("opening runner stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.NewTransientProviderError("opening runner stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.NewTransientProviderError("opening runner stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return errors.NewPermanentConfigError(
			fmt.Sprintf("%s: spawning %s", h.name, h.command[0]), err)
	}

	go h.drainStderr(stderr)
	go func() {
		// Reap the child; the pipe readers see EOF and report the crash.
		_ = cmd.Wait()
	}()

	h.child = &childProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64<<10),
	}
	logger.Infow("model runner started", "provider", h.name, "pid", cmd.Process.Pid)
	return nil
}

func (h *Host) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		logger.Debugw("model runner stderr", "provider", h.name, "line", sc.Text())
	}
}

// noteCrash tears the child down and schedules the next restart window.
// Caller holds the mutex.
func (h *Host) noteCrash(stage string, err error) {
	if h.child != nil && h.child.cmd.Process != nil {
		_ = h.child.cmd.Process.Kill()
	}
	h.child = nil
	h.noteFailure()
	logger.Warnw("model runner failed", "provider", h.name, "stage", stage,
		"consecutive_failures", h.fails, "error", err)
}

func (h *Host) noteFailure() {
	h.fails++
	h.notBefore = time.Now().Add(h.bo.NextBackOff())
}

func (h *Host) noteSuccess() {
	h.fails = 0
	h.notBefore = time.Time{}
	h.bo.Reset()
}

// Health classifies the host: ready when healthy, degraded while restarts
// are in budget, unavailable once the budget is spent.
func (h *Host) Health(context.Context) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.fails == 0:
		return Health{Status: StatusReady}
	case h.fails < maxConsecutiveFails:
		return Health{Status: StatusDegraded,
			Detail: fmt.Sprintf("%d consecutive failures", h.fails)}
	default:
		return Health{Status: StatusUnavailable,
			Detail: fmt.Sprintf("%d consecutive failures", h.fails)}
	}
}

// Close terminates the child, if any.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.child != nil && h.child.cmd.Process != nil {
		_ = h.child.stdin.Close()
		_ = h.child.cmd.Process.Kill()
	}
	h.child = nil
}

// describeResult is the child's answer to the info op.
type describeResult struct {
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	Device       string `json:"device"`
	Dim          int    `json:"dim"`
}

// describe asks the child who it is. Registry construction calls this once
// per subprocess slot so dimensions are known before any task runs.
func (h *Host) describe(ctx context.Context) (describeResult, error) {
	raw, err := h.Call(ctx, "info", nil)
	if err != nil {
		return describeResult{}, err
	}
	var out describeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return describeResult{}, errors.NewTransientProviderError(
			fmt.Sprintf("%s: undecodable info", h.name), err)
	}
	if out.ModelName == "" || out.Dim < 0 {
		return describeResult{}, errors.NewPermanentConfigError(
			fmt.Sprintf("%s: runner reported no model", h.name), nil)
	}
	return out, nil
}

// Warmup asks the child to load its model and run a tiny inference.
func (h *Host) Warmup(ctx context.Context) error {
	_, err := h.Call(ctx, "warmup", nil)
	return err
}

type imageArgs struct {
	ImageB64 string `json:"image_b64"`
}

type vectorResult struct {
	Vector []float32 `json:"vector"`
}

func b64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

// SubprocessImageEmbedder embeds images through an external model runner.
type SubprocessImageEmbedder struct {
	host *Host
	info ModelInfo
	dim  int
}

// NewSubprocessImageEmbedder spawns the runner and reads its model info.
func NewSubprocessImageEmbedder(ctx context.Context, command string) (*SubprocessImageEmbedder, error) {
	host, err := NewHost("image_embed", command)
	if err != nil {
		return nil, err
	}
	d, err := host.describe(ctx)
	if err != nil {
		return nil, err
	}
	return &SubprocessImageEmbedder{
		host: host,
		info: ModelInfo{Name: d.ModelName, Version: d.ModelVersion, Device: d.Device},
		dim:  d.Dim,
	}, nil
}

// EmbedImage requests a vector for the image.
func (p *SubprocessImageEmbedder) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	raw, err := p.host.Call(ctx, "embed_image", imageArgs{ImageB64: b64(img)})
	if err != nil {
		return nil, err
	}
	var out vectorResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewTransientProviderError("decoding image embedding", err)
	}
	return checkedVector(out.Vector, p.dim)
}

// Dimension returns the runner-reported vector dimension.
func (p *SubprocessImageEmbedder) Dimension() int { return p.dim }

// ModelInfo returns the runner-reported model identity.
func (p *SubprocessImageEmbedder) ModelInfo() ModelInfo { return p.info }

// Health reports the host supervisor state plus model identity.
func (p *SubprocessImageEmbedder) Health(ctx context.Context) Health {
	h := p.host.Health(ctx)
	h.ModelName, h.ModelVersion, h.Device = p.info.Name, p.info.Version, p.info.Device
	return h
}

// Close terminates the runner.
func (p *SubprocessImageEmbedder) Close() { p.host.Close() }

// SubprocessTextEmbedder embeds query text through an external model runner.
type SubprocessTextEmbedder struct {
	host *Host
	info ModelInfo
	dim  int
}

// NewSubprocessTextEmbedder spawns the runner and reads its model info.
func NewSubprocessTextEmbedder(ctx context.Context, command string) (*SubprocessTextEmbedder, error) {
	host, err := NewHost("text_embed", command)
	if err != nil {
		return nil, err
	}
	d, err := host.describe(ctx)
	if err != nil {
		return nil, err
	}
	return &SubprocessTextEmbedder{
		host: host,
		info: ModelInfo{Name: d.ModelName, Version: d.ModelVersion, Device: d.Device},
		dim:  d.Dim,
	}, nil
}

// EmbedText requests a vector for the text.
func (p *SubprocessTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	raw, err := p.host.Call(ctx, "embed_text", map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	var out vectorResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewTransientProviderError("decoding text embedding", err)
	}
	return checkedVector(out.Vector, p.dim)
}

// Dimension returns the runner-reported vector dimension.
func (p *SubprocessTextEmbedder) Dimension() int { return p.dim }

// ModelInfo returns the runner-reported model identity.
func (p *SubprocessTextEmbedder) ModelInfo() ModelInfo { return p.info }

// Health reports the host supervisor state plus model identity.
func (p *SubprocessTextEmbedder) Health(ctx context.Context) Health {
	h := p.host.Health(ctx)
	h.ModelName, h.ModelVersion, h.Device = p.info.Name, p.info.Version, p.info.Device
	return h
}

// Close terminates the runner.
func (p *SubprocessTextEmbedder) Close() { p.host.Close() }

// SubprocessCaptioner captions images through an external model runner.
type SubprocessCaptioner struct {
	host *Host
	info ModelInfo
}

// NewSubprocessCaptioner spawns the runner and reads its model info.
func NewSubprocessCaptioner(ctx context.Context, command string) (*SubprocessCaptioner, error) {
	host, err := NewHost("caption", command)
	if err != nil {
		return nil, err
	}
	d, err := host.describe(ctx)
	if err != nil {
		return nil, err
	}
	return &SubprocessCaptioner{
		host: host,
		info: ModelInfo{Name: d.ModelName, Version: d.ModelVersion, Device: d.Device},
	}, nil
}

// Caption requests a caption for the image.
func (p *SubprocessCaptioner) Caption(ctx context.Context, img []byte) (string, error) {
	raw, err := p.host.Call(ctx, "caption", imageArgs{ImageB64: b64(img)})
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.NewTransientProviderError("decoding caption", err)
	}
	return out.Text, nil
}

// ModelInfo returns the runner-reported model identity.
func (p *SubprocessCaptioner) ModelInfo() ModelInfo { return p.info }

// Health reports the host supervisor state plus model identity.
func (p *SubprocessCaptioner) Health(ctx context.Context) Health {
	h := p.host.Health(ctx)
	h.ModelName, h.ModelVersion, h.Device = p.info.Name, p.info.Version, p.info.Device
	return h
}

// Close terminates the runner.
func (p *SubprocessCaptioner) Close() { p.host.Close() }

// SubprocessFaceDetector detects faces through an external model runner.
type SubprocessFaceDetector struct {
	host *Host
	info ModelInfo
}

// NewSubprocessFaceDetector spawns the runner and reads its model info.
func NewSubprocessFaceDetector(ctx context.Context, command string) (*SubprocessFaceDetector, error) {
	host, err := NewHost("face_detect", command)
	if err != nil {
		return nil, err
	}
	d, err := host.describe(ctx)
	if err != nil {
		return nil, err
	}
	return &SubprocessFaceDetector{
		host: host,
		info: ModelInfo{Name: d.ModelName, Version: d.ModelVersion, Device: d.Device},
	}, nil
}

// DetectFaces requests detections for the image.
func (p *SubprocessFaceDetector) DetectFaces(ctx context.Context, img []byte) ([]FaceBox, error) {
	raw, err := p.host.Call(ctx, "detect_faces", imageArgs{ImageB64: b64(img)})
	if err != nil {
		return nil, err
	}
	var out struct {
		Faces []struct {
			X     float64 `json:"x"`
			Y     float64 `json:"y"`
			W     float64 `json:"w"`
			H     float64 `json:"h"`
			Score float64 `json:"score"`
		} `json:"faces"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewTransientProviderError("decoding detections", err)
	}
	boxes := make([]FaceBox, 0, len(out.Faces))
	for _, f := range out.Faces {
		boxes = append(boxes, FaceBox{X: f.X, Y: f.Y, W: f.W, H: f.H, Score: f.Score})
	}
	return boxes, nil
}

// ModelInfo returns the runner-reported model identity.
func (p *SubprocessFaceDetector) ModelInfo() ModelInfo { return p.info }

// Health reports the host supervisor state plus model identity.
func (p *SubprocessFaceDetector) Health(ctx context.Context) Health {
	h := p.host.Health(ctx)
	h.ModelName, h.ModelVersion, h.Device = p.info.Name, p.info.Version, p.info.Device
	return h
}

// Close terminates the runner.
func (p *SubprocessFaceDetector) Close() { p.host.Close() }

// SubprocessFaceEmbedder embeds face crops through an external model runner.
type SubprocessFaceEmbedder struct {
	host *Host
	info ModelInfo
	dim  int
}

// NewSubprocessFaceEmbedder spawns the runner and reads its model info.
func NewSubprocessFaceEmbedder(ctx context.Context, command string) (*SubprocessFaceEmbedder, error) {
	host, err := NewHost("face_embed", command)
	if err != nil {
		return nil, err
	}
	d, err := host.describe(ctx)
	if err != nil {
		return nil, err
	}
	return &SubprocessFaceEmbedder{
		host: host,
		info: ModelInfo{Name: d.ModelName, Version: d.ModelVersion, Device: d.Device},
		dim:  d.Dim,
	}, nil
}

// EmbedFace requests a vector for the crop.
func (p *SubprocessFaceEmbedder) EmbedFace(ctx context.Context, crop []byte) ([]float32, error) {
	raw, err := p.host.Call(ctx, "embed_face", imageArgs{ImageB64: b64(crop)})
	if err != nil {
		return nil, err
	}
	var out vectorResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewTransientProviderError("decoding face embedding", err)
	}
	return checkedVector(out.Vector, p.dim)
}

// Dimension returns the runner-reported vector dimension.
func (p *SubprocessFaceEmbedder) Dimension() int { return p.dim }

// ModelInfo returns the runner-reported model identity.
func (p *SubprocessFaceEmbedder) ModelInfo() ModelInfo { return p.info }

// Health reports the host supervisor state plus model identity.
func (p *SubprocessFaceEmbedder) Health(ctx context.Context) Health {
	h := p.host.Health(ctx)
	h.ModelName, h.ModelVersion, h.Device = p.info.Name, p.info.Version, p.info.Device
	return h
}

// Close terminates the runner.
func (p *SubprocessFaceEmbedder) Close() { p.host.Close() }
