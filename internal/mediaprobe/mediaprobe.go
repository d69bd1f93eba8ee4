// Package mediaprobe runs an ffprobe-style tool over a bounded file prefix
// to discover container, duration, and stream layout (C4).
package mediaprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/streamvault/streamvaultd/internal/apierr"
	"github.com/streamvault/streamvaultd/internal/chunkstore"
	"github.com/streamvault/streamvaultd/internal/remote"
)

const (
	prefixBytes  = 5 << 20
	probeTimeout = 30 * time.Second
)

// browserPlayable is the closed set of audio codecs browsers can direct-play.
var browserPlayable = map[string]bool{
	"aac": true, "mp3": true, "opus": true, "vorbis": true, "flac": true,
}

// AudioStream describes one audio track.
type AudioStream struct {
	Index     int    `json:"index"`
	Codec     string `json:"codec"`
	Language  string `json:"language,omitempty"`
	Channels  int    `json:"channels"`
	IsDefault bool   `json:"is_default"`
}

// SubtitleStream describes one subtitle track.
type SubtitleStream struct {
	Index        int    `json:"index"`
	Codec        string `json:"codec"`
	Language     string `json:"language,omitempty"`
	IsTextBased  bool   `json:"is_text_based"`
	IsImageBased bool   `json:"is_image_based"`
}

// VideoStream describes one video track.
type VideoStream struct {
	Index int    `json:"index"`
	Codec string `json:"codec"`
}

// Info is the parsed result of probing one file.
type Info struct {
	Container        string           `json:"container"`
	DurationSeconds  float64          `json:"duration_seconds"`
	VideoStreams     []VideoStream    `json:"video_streams"`
	AudioStreams     []AudioStream    `json:"audio_streams"`
	SubtitleStreams  []SubtitleStream `json:"subtitle_streams"`
}

// IsBrowserPlayable reports whether codec can be direct-played by a browser.
func IsBrowserPlayable(codec string) bool {
	return browserPlayable[codec]
}

// Prober runs probe tool invocations and caches results by file id.
type Prober struct {
	ToolPath string
	Store    *chunkstore.Store

	mu    sync.Mutex
	cache map[int64]*Info
}

func New(toolPath string, store *chunkstore.Store) *Prober {
	return &Prober{ToolPath: toolPath, Store: store, cache: make(map[int64]*Info)}
}

// Probe returns cached info for handle.ID if present, else reads a bounded
// prefix via the chunk store and runs the probe tool. Per contract, an
// absent tool yields (nil, *apierr.Error{Kind: ToolMissing}), never a panic
// or a fatal error — callers degrade rather than fail the request.
func (p *Prober) Probe(ctx context.Context, handle *remote.FileHandle) (*Info, error) {
	p.mu.Lock()
	if cached, ok := p.cache[handle.ID]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	if _, err := exec.LookPath(p.ToolPath); err != nil {
		return nil, apierr.Wrap(apierr.ToolMissing, "probe tool not found", err)
	}

	limit := int64(prefixBytes)
	if handle.Size > 0 && handle.Size < limit {
		limit = handle.Size
	}
	// Store.Read stops at a chunk boundary, so collect the prefix chunk by chunk.
	prefix := make([]byte, 0, limit)
	for int64(len(prefix)) < limit {
		b, err := p.Store.Read(ctx, handle, int64(len(prefix)), limit-int64(len(prefix)))
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			break
		}
		prefix = append(prefix, b...)
	}

	info, err := p.run(ctx, prefix)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[handle.ID] = info
	p.mu.Unlock()
	return info, nil
}

func (p *Prober) run(ctx context.Context, prefix []byte) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ToolPath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		"-i", "pipe:0",
	)
	cmd.Stdin = bytes.NewReader(prefix)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, apierr.Wrap(apierr.RemoteError, "probe tool invocation failed", err)
	}

	var raw probeOutput
	if err := json.Unmarshal(out.Bytes(), &raw); err != nil {
		return nil, apierr.Wrap(apierr.Corrupted, "could not parse probe output", err)
	}
	return raw.toInfo(), nil
}

// probeOutput mirrors ffprobe's -show_format -show_streams JSON shape.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		Index         int    `json:"index"`
		CodecType     string `json:"codec_type"`
		CodecName     string `json:"codec_name"`
		Channels      int    `json:"channels"`
		Disposition   struct {
			Default int `json:"default"`
		} `json:"disposition"`
		Tags struct {
			Language string `json:"language"`
		} `json:"tags"`
	} `json:"streams"`
}

func (o *probeOutput) toInfo() *Info {
	info := &Info{Container: o.Format.FormatName}
	if d, err := strconv.ParseFloat(o.Format.Duration, 64); err == nil {
		info.DurationSeconds = d
	}
	for _, s := range o.Streams {
		switch s.CodecType {
		case "video":
			info.VideoStreams = append(info.VideoStreams, VideoStream{Index: s.Index, Codec: s.CodecName})
		case "audio":
			info.AudioStreams = append(info.AudioStreams, AudioStream{
				Index:     s.Index,
				Codec:     s.CodecName,
				Language:  s.Tags.Language,
				Channels:  s.Channels,
				IsDefault: s.Disposition.Default == 1,
			})
		case "subtitle":
			textBased := isTextSubtitleCodec(s.CodecName)
			info.SubtitleStreams = append(info.SubtitleStreams, SubtitleStream{
				Index:        s.Index,
				Codec:        s.CodecName,
				Language:     s.Tags.Language,
				IsTextBased:  textBased,
				IsImageBased: !textBased,
			})
		}
	}
	return info
}

func isTextSubtitleCodec(codec string) bool {
	switch codec {
	case "subrip", "srt", "ass", "ssa", "webvtt", "mov_text":
		return true
	default:
		return false
	}
}
