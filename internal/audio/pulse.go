// Package audio handles device discovery, bounded PCM recording, and WAV packaging.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rbright/khata/internal/failure"
)

const (
	SampleRate     = 16000
	Channels       = 1
	BitDepth       = 16
	chunkSizeBytes = 640 // 20ms @ 16kHz mono s16
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved capture source plus optional fallback warning context.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("khata"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns available Pulse input sources with default/availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// SelectDevice resolves audio.input/audio.fallback preferences against live devices.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return selectDeviceFromList(devices, input, fallback)
}

// selectDeviceFromList picks the preferred input, falling back when it is muted or unplugged.
func selectDeviceFromList(devices []Device, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}

	input = normalizeTerm(input)
	fallback = normalizeTerm(fallback)

	defaultDevice := findDevice(devices, func(d Device) bool { return d.Default })
	lookup := func(term string) *Device {
		if term == "" {
			return defaultDevice
		}
		return findDevice(devices, func(d Device) bool { return deviceMatches(d, term) })
	}

	primary := lookup(input)
	if primary == nil {
		if input == "" {
			return Selection{}, errors.New("default audio source is unavailable")
		}
		return Selection{}, fmt.Errorf("audio.input %q did not match any device", input)
	}
	if usable(*primary) {
		return Selection{Device: *primary}, nil
	}

	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}

	alternate := lookup(fallback)
	if alternate == nil {
		if fallback == "" {
			return Selection{}, fmt.Errorf("primary input %q is %s and no default source exists", primary.ID, reason)
		}
		return Selection{}, fmt.Errorf("primary input %q is %s and fallback %q not found", primary.ID, reason, fallback)
	}
	if !alternate.Available {
		return Selection{}, fmt.Errorf("audio fallback device %q is not available", alternate.ID)
	}
	if alternate.Muted {
		return Selection{}, fmt.Errorf("audio fallback device %q is muted", alternate.ID)
	}

	return Selection{
		Device:   *alternate,
		Warning:  fmt.Sprintf("audio.input %q is %s; falling back to %q", primary.ID, reason, alternate.ID),
		Fallback: primary.ID != alternate.ID,
	}, nil
}

func normalizeTerm(term string) string {
	term = strings.TrimSpace(strings.ToLower(term))
	if term == "default" {
		return ""
	}
	return term
}

func findDevice(devices []Device, match func(Device) bool) *Device {
	for i := range devices {
		if match(devices[i]) {
			return &devices[i]
		}
	}
	return nil
}

func usable(d Device) bool {
	return d.Available && !d.Muted
}

// deviceMatches reports whether a search term matches a device id or description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(device.ID), term) ||
		strings.Contains(strings.ToLower(device.Description), term)
}

// PulseOpener opens record streams on the configured Pulse source.
type PulseOpener struct {
	Input    string
	Fallback string
	Logger   *slog.Logger
}

// Open selects a device and starts a 16kHz mono s16 record stream on it.
func (o PulseOpener) Open(ctx context.Context) (Stream, error) {
	selection, err := SelectDevice(ctx, o.Input, o.Fallback)
	if err != nil {
		return nil, classifyDevice(err)
	}
	if selection.Warning != "" && o.Logger != nil {
		o.Logger.Warn(selection.Warning)
	}
	stream, err := startPulseStream(selection.Device)
	if err != nil {
		return nil, classifyDevice(err)
	}
	return stream, nil
}

// PulsePermission probes whether the Pulse server grants this process capture access.
type PulsePermission struct{}

// Check returns a PermissionDenied failure when the server refuses access.
func (PulsePermission) Check(context.Context) error {
	client, err := newPulseClient()
	if err != nil {
		f := classifyDevice(err)
		if f.Kind == failure.KindPermissionDenied {
			return f
		}
		// Unreachable servers surface later as DeviceUnavailable during capture.
		return nil
	}
	client.Close()
	return nil
}

// classifyDevice maps capture device failures onto the pipeline taxonomy.
func classifyDevice(err error) *failure.Error {
	if f, ok := failure.As(err); ok {
		return f
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "access denied") || strings.Contains(lower, "permission denied") {
		return failure.New(failure.KindPermissionDenied, failure.StageCapture, "microphone access denied", err)
	}
	return failure.New(failure.KindDeviceUnavailable, failure.StageCapture, "recording device failed to initialize", err)
}

// pulseStream emits fixed-size PCM chunks from one Pulse source.
type pulseStream struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

func startPulseStream(selected Device) (*pulseStream, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	s := &pulseStream{
		device: selected,
		client: client,
		chunks: make(chan []byte, 128),
		stopCh: make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(s.onPCM), pulseproto.FormatInt16LE)
	record, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("khata line item"),
	)
	if err != nil {
		_ = s.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	s.stream = record
	record.Start()
	return s, nil
}

func (s *pulseStream) Chunks() <-chan []byte {
	return s.chunks
}

func (s *pulseStream) Device() Device {
	return s.device
}

func (s *pulseStream) BytesCaptured() int64 {
	return s.bytes.Load()
}

// Stop releases the Pulse stream, flushes the residual partial chunk, and closes Chunks once.
// With a full Chunks buffer the flush waits for the reader.
func (s *pulseStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}

	s.inflight.Wait()

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) > 0 {
		s.chunks <- pending
	}

	close(s.chunks)
	return nil
}

// onPCM receives raw Pulse frames and slices them into chunkSizeBytes chunks.
func (s *pulseStream) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as stopped so Stop's Wait cannot race it.
	s.inflight.Add(1)
	defer s.inflight.Done()

	s.pending = append(s.pending, buffer...)
	var ready [][]byte
	for len(s.pending) >= chunkSizeBytes {
		chunk := make([]byte, chunkSizeBytes)
		copy(chunk, s.pending[:chunkSizeBytes])
		s.pending = s.pending[chunkSizeBytes:]
		ready = append(ready, chunk)
	}
	s.mu.Unlock()

	s.bytes.Add(int64(len(buffer)))

	for _, chunk := range ready {
		select {
		case <-s.stopCh:
			return 0, io.EOF
		case s.chunks <- chunk:
		}
	}
	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse port availability (unknown=0, no=1, yes=2) to a boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	for _, port := range source.Ports {
		if port.Name == source.ActivePortName {
			return port.Available != 1
		}
	}
	return true
}
