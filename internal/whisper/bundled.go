package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/transcribepod/internal/platform"
	"github.com/fmueller/transcribepod/internal/transcript"
	"go.uber.org/zap"
)

const EngineBundled = "bundled"

type BundledOptions struct {
	// Executable overrides the whisper-cli lookup next to the binary.
	Executable string
	ModelPath  string
	Device     string
	// VADModel is the Silero VAD model passed to whisper-cli when a request
	// enables VAD filtering.
	VADModel string
	TempDir  string
}

// BundledEngine runs the whisper.cpp CLI shipped next to transcribepod.
type BundledEngine struct {
	Executable string
	ModelPath  string
	Device     string
	VADModel   string
	TempDir    string
	Logger     *zap.Logger
}

func NewBundledEngine(logger *zap.Logger, opts BundledOptions) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &BundledEngine{
		ModelPath: opts.ModelPath,
		Device:    strings.ToLower(strings.TrimSpace(opts.Device)),
		VADModel:  strings.TrimSpace(opts.VADModel),
		TempDir:   opts.TempDir,
		Logger:    logger,
	}

	if override := strings.TrimSpace(opts.Executable); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("whisper path %s is not executable: %w", override, err)
		}
		engine.Executable = override
		return engine, nil
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve transcribepod executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(selfExe)
	if err != nil {
		return nil, err
	}
	engine.Executable = whisperExe

	return engine, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s; expected at ../libexec/whisper/%s or set TRANSCRIBEPOD_WHISPER_PATH", selfExecutable, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (b *BundledEngine) Name() string { return EngineBundled }

func (b *BundledEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}
	if strings.TrimSpace(b.ModelPath) == "" {
		return Result{}, errors.New("model path is required")
	}

	if err := ensureExecutable(b.Executable); err != nil {
		return Result{}, fmt.Errorf("bundled whisper engine missing or not executable: %w", err)
	}

	outFile, err := os.CreateTemp(b.TempDir, "transcribepod-out-*")
	if err != nil {
		return Result{}, fmt.Errorf("reserve whisper output path: %w", err)
	}
	outBase := outFile.Name()
	_ = outFile.Close()
	defer os.Remove(outBase)

	jsonOut := outBase + ".json"
	defer os.Remove(jsonOut)

	args := b.buildArgs(req, outBase)
	cmd := exec.CommandContext(ctx, b.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	b.Logger.Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Result{}, fmt.Errorf("bundled whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", b.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Result{}, fmt.Errorf("bundled whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set TRANSCRIBEPOD_WHISPER_PATH to a whisper-cli binary built for your CPU")
		}
		return Result{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	content, err := os.ReadFile(jsonOut)
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}

	return parseCLIOutput(content, req.WordTimestamps)
}

func (b *BundledEngine) buildArgs(req TranscriptionRequest, outBase string) []string {
	args := []string{"-m", b.ModelPath, "-f", req.AudioPath, "-of", outBase, "-np"}
	if req.WordTimestamps {
		args = append(args, "-ojf")
	} else {
		args = append(args, "-oj")
	}

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)

	args = append(args, "-tp", strconv.FormatFloat(req.Temperature, 'f', -1, 64))
	if req.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(req.BeamSize))
	}
	if req.BestOf != nil && *req.BestOf > 0 {
		args = append(args, "-bo", strconv.Itoa(*req.BestOf))
	}

	if b.Device == "cpu" {
		args = append(args, "-ng")
	}

	if req.VADFilter {
		if b.VADModel != "" {
			args = append(args, "--vad", "-vm", b.VADModel)
		} else {
			b.Logger.Warn("VAD filter requested but no VAD model configured; transcribing without VAD")
		}
	}

	if req.Patience != nil || req.LengthPenalty != nil {
		b.Logger.Debug("whisper-cli does not expose patience or length penalty; ignoring")
	}

	return args
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []cliSegment `json:"transcription"`
}

type cliSegment struct {
	Offsets cliOffsets `json:"offsets"`
	Text    string     `json:"text"`
	Tokens  []cliToken `json:"tokens"`
}

type cliToken struct {
	Text    string     `json:"text"`
	Offsets cliOffsets `json:"offsets"`
	P       float64    `json:"p"`
}

// cliOffsets are milliseconds from the start of the audio.
type cliOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func parseCLIOutput(content []byte, withWords bool) (Result, error) {
	var out cliOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Result{}, fmt.Errorf("decode whisper output: %w", err)
	}

	segments := make([]transcript.Segment, 0, len(out.Transcription))
	for _, seg := range out.Transcription {
		if isBlankSegment(seg.Text) {
			continue
		}
		s := transcript.Segment{
			Start: msToSeconds(seg.Offsets.From),
			End:   msToSeconds(seg.Offsets.To),
			Text:  seg.Text,
		}
		if withWords {
			s.Words = mergeTokens(seg.Tokens)
		}
		segments = append(segments, s)
	}

	return Result{
		Segments: segments,
		Info:     transcript.Info{Language: out.Result.Language},
	}, nil
}

// mergeTokens folds whisper sub-word tokens into words. A token starting with
// a space opens a new word; special tokens such as [_BEG_] are dropped.
func mergeTokens(tokens []cliToken) []transcript.Word {
	var (
		words []transcript.Word
		probs []float64
	)

	flush := func() {
		if len(words) == 0 || len(probs) == 0 {
			return
		}
		var sum float64
		for _, p := range probs {
			sum += p
		}
		last := &words[len(words)-1]
		last.Word = strings.TrimSpace(last.Word)
		last.Probability = sum / float64(len(probs))
		probs = probs[:0]
	}

	for _, tok := range tokens {
		if strings.HasPrefix(tok.Text, "[_") || tok.Text == "" {
			continue
		}

		if len(words) == 0 || strings.HasPrefix(tok.Text, " ") {
			flush()
			words = append(words, transcript.Word{
				Start: msToSeconds(tok.Offsets.From),
				End:   msToSeconds(tok.Offsets.To),
				Word:  tok.Text,
			})
		} else {
			last := &words[len(words)-1]
			last.Word += tok.Text
			last.End = msToSeconds(tok.Offsets.To)
		}
		probs = append(probs, tok.P)
	}
	flush()

	return words
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
