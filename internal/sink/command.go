package sink

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// listTimeout bounds voice enumeration.
const listTimeout = 10 * time.Second

// engineProfile describes how to drive one speech binary.
type engineProfile struct {
	voiceFlag  string
	speakArgs  []string // arguments that make the binary read text from stdin
	listArgs   []string // nil when the binary cannot list voices
	parseVoice func(out []byte) []Voice
}

var profiles = map[string]engineProfile{
	"espeak-ng": {voiceFlag: "-v", listArgs: []string{"--voices"}, parseVoice: parseEspeakVoices},
	"espeak":    {voiceFlag: "-v", listArgs: []string{"--voices"}, parseVoice: parseEspeakVoices},
	"say":       {voiceFlag: "-v", speakArgs: []string{"-f", "-"}, listArgs: []string{"-v", "?"}, parseVoice: parseSayVoices},
}

// CommandSink speaks by running a local speech binary once per utterance,
// feeding the text on stdin. The utterance completes when the process exits.
type CommandSink struct {
	binary  string
	profile engineProfile
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	voice  string
	active bool
}

// NewCommandSink creates a sink for binary. timeout bounds a single
// utterance; zero means no bound.
func NewCommandSink(binary string, timeout time.Duration, logger zerolog.Logger) *CommandSink {
	return &CommandSink{
		binary:  binary,
		profile: profiles[filepath.Base(binary)],
		timeout: timeout,
		logger:  logger.With().Str("sink", "command").Str("binary", binary).Logger(),
	}
}

// Name returns the engine identifier
func (s *CommandSink) Name() string {
	return "command:" + filepath.Base(s.binary)
}

// SetVoice selects the voice passed to the binary
func (s *CommandSink) SetVoice(id string) error {
	if id != "" && s.profile.voiceFlag == "" {
		return fmt.Errorf("%s does not accept a voice", s.binary)
	}
	s.mu.Lock()
	s.voice = id
	s.mu.Unlock()
	return nil
}

// Speak starts the binary for text
func (s *CommandSink) Speak(ctx context.Context, text string) (<-chan Completion, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.active = true
	args := s.argsLocked()
	s.mu.Unlock()

	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}

	cmd := exec.CommandContext(ctx, s.binary, args...)
	// Stdin is set before Start so the process never races an empty pipe
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		s.setActive(false)
		return nil, fmt.Errorf("failed to start %s: %w", s.binary, err)
	}
	s.logger.Debug().Int("pid", cmd.Process.Pid).Int("chars", len(text)).Msg("Speech process started")

	done := make(chan Completion, 1)
	go func() {
		defer close(done)
		defer cancel()

		err := cmd.Wait()
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%s interrupted: %w", s.binary, ctx.Err())
			} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%s failed: %w: %s", s.binary, err, msg)
			} else {
				err = fmt.Errorf("%s failed: %w", s.binary, err)
			}
		}
		s.setActive(false)
		done <- Completion{Err: err, Duration: time.Since(start)}
	}()
	return done, nil
}

// ListVoices runs the binary's voice listing and parses it
func (s *CommandSink) ListVoices(ctx context.Context) ([]Voice, error) {
	if s.profile.listArgs == nil {
		return nil, fmt.Errorf("%s: %w", s.binary, ErrVoicesUnsupported)
	}

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.binary, s.profile.listArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list voices with %s: %w", s.binary, err)
	}
	return s.profile.parseVoice(out), nil
}

// Close is a no-op; each utterance owns its own process
func (s *CommandSink) Close() error {
	return nil
}

func (s *CommandSink) argsLocked() []string {
	args := append([]string(nil), s.profile.speakArgs...)
	if s.voice != "" {
		args = append(args, s.profile.voiceFlag, s.voice)
	}
	return args
}

func (s *CommandSink) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// parseEspeakVoices reads `espeak-ng --voices`:
//
//	Pty Language       Age/Gender VoiceName          File          Other Languages
//	 5  en-us           --/M      English_(America)  gmw/en-US     (en 10)
//
// The language column is what -v accepts, so it becomes the ID.
func parseEspeakVoices(out []byte) []Voice {
	var voices []Voice
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		voices = append(voices, Voice{
			ID:       fields[1],
			Name:     fields[3],
			Language: fields[1],
		})
	}
	return voices
}

var sayVoiceLine = regexp.MustCompile(`^(.+?)\s{2,}([A-Za-z]{2,3}[_-][A-Za-z0-9]+)\s+#`)

// parseSayVoices reads `say -v ?`:
//
//	Alex                en_US    # Most people recognize me by my voice.
//	Bad News            en_US    # The light you see at the end of the tunnel...
func parseSayVoices(out []byte) []Voice {
	var voices []Voice
	for _, line := range strings.Split(string(out), "\n") {
		m := sayVoiceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		voices = append(voices, Voice{ID: name, Name: name, Language: m[2]})
	}
	return voices
}
