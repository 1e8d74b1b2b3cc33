// Package remux is a CLI utility that rewrites a media file into a new
// container according to a YAML job file.
package main

import (
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"mediakit/pkg/indexdb"
	"mediakit/pkg/log"
	"mediakit/pkg/matroska"
	"mediakit/pkg/media"
	"mediakit/pkg/mp4demux"
	"mediakit/pkg/mp4mux"
	"mediakit/pkg/sliceio"
)

const usage = `rewrite a media file into a new container
example: remux ./job.yaml`

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

// JobConfig stores one remux job.
type JobConfig struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`

	Placement        string `yaml:"placement"` // posthoc, reserve or twopass.
	Fragmented       bool   `yaml:"fragmented"`
	MaxPacketCount   int    `yaml:"maxPacketCount"`
	ChunkDuration    string `yaml:"chunkDuration"`
	FragmentDuration string `yaml:"fragmentDuration"`

	// IndexDB caches built sample indexes between runs.
	IndexDB string `yaml:"indexDB"`
}

// Job errors.
var (
	ErrNoInput      = errors.New("input is required")
	ErrNoOutput     = errors.New("output is required")
	ErrBadPlacement = errors.New("placement must be posthoc, reserve or twopass")
	ErrNoMaxPackets = errors.New("reserve placement requires maxPacketCount")
)

// NewJobConfig parses and validates a job file.
func NewJobConfig(jobYAML []byte) (*JobConfig, error) {
	var job JobConfig
	if err := yaml.Unmarshal(jobYAML, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	if job.Input == "" {
		return nil, ErrNoInput
	}
	if job.Output == "" {
		return nil, ErrNoOutput
	}
	if job.Placement == "" {
		job.Placement = "posthoc"
	}
	if job.Placement == "reserve" && !job.Fragmented && job.MaxPacketCount <= 0 {
		return nil, ErrNoMaxPackets
	}
	return &job, nil
}

func (job *JobConfig) placement() (mp4mux.Placement, error) {
	switch job.Placement {
	case "posthoc":
		return mp4mux.PlacementPostHoc, nil
	case "reserve":
		return mp4mux.PlacementReserve, nil
	case "twopass":
		return mp4mux.PlacementTwoPass, nil
	}
	return 0, fmt.Errorf("%q: %w", job.Placement, ErrBadPlacement)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

func run() error {
	args := os.Args
	if len(args) != 2 {
		fmt.Println(usage)
		return nil
	}

	jobYAML, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("could not read job file: %w", err)
	}
	job, err := NewJobConfig(jobYAML)
	if err != nil {
		return err
	}

	logger := log.NewStderrLogger()

	file, err := os.Open(job.Input)
	if err != nil {
		return err
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	src := sliceio.NewReaderAtSource(file, stat.Size())

	tracks, reader, err := openInput(src, job, logger)
	if err != nil {
		return err
	}

	out, err := os.Create(job.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	if strings.HasSuffix(job.Output, ".mkv") || strings.HasSuffix(job.Output, ".webm") {
		return remuxMatroska(job, tracks, reader, out)
	}
	return remuxMP4(job, tracks, reader, out)
}

// openInput sniffs the container format, opens the matching demuxer and
// attaches the index cache when configured.
func openInput(
	src sliceio.Source,
	job *JobConfig,
	logger *log.Logger,
) ([]*media.Track, func(int64) (media.TrackReader, error), error) {
	head, err := src.Slice(0, 4)
	if err != nil {
		return nil, nil, err
	}
	if len(head) == 4 && head[0] == 0x1a && head[1] == 0x45 && head[2] == 0xdf && head[3] == 0xa3 {
		d, err := matroska.Open(src, logger)
		if err != nil {
			return nil, nil, err
		}
		return d.Tracks(), d.Reader, nil
	}

	d, err := mp4demux.Open(src, logger)
	if err != nil {
		return nil, nil, err
	}
	if job.IndexDB != "" {
		store, err := indexdb.Open(job.IndexDB)
		if err != nil {
			return nil, nil, err
		}
		d.SetIndexStore(store, job.Input)
	}
	return d.Tracks(), d.Reader, nil
}

// stream is one input track mid-copy.
type stream struct {
	reader media.TrackReader
	outID  int64
	packet *media.Packet
}

// openStreams primes one reader per track and maps the IDs assigned by
// addTrack.
func openStreams(
	tracks []*media.Track,
	reader func(int64) (media.TrackReader, error),
	addTrack func(*media.Track) (*media.Track, error),
) ([]*stream, error) {
	var streams []*stream
	for _, t := range tracks {
		r, err := reader(t.ID)
		if err != nil {
			return nil, err
		}
		in := *t
		outTrack, err := addTrack(&in)
		if err != nil {
			return nil, err
		}
		first, err := r.First(media.ReadOptions{})
		if err != nil {
			return nil, err
		}
		streams = append(streams, &stream{
			reader: r,
			outID:  outTrack.ID,
			packet: first,
		})
	}
	return streams, nil
}

// nextStream picks the stream whose pending packet has the smallest
// presentation time, or nil when all are drained.
func nextStream(streams []*stream) *stream {
	var best *stream
	for _, s := range streams {
		if s.packet == nil {
			continue
		}
		if best == nil || s.packet.Time < best.packet.Time {
			best = s
		}
	}
	return best
}

func remuxMP4(
	job *JobConfig,
	tracks []*media.Track,
	reader func(int64) (media.TrackReader, error),
	out *os.File,
) error {
	placement, err := job.placement()
	if err != nil {
		return err
	}
	chunkDur, err := parseDuration(job.ChunkDuration)
	if err != nil {
		return err
	}
	fragDur, err := parseDuration(job.FragmentDuration)
	if err != nil {
		return err
	}

	m := mp4mux.NewMuxer(out, mp4mux.Options{
		Placement:          placement,
		Fragmented:         job.Fragmented,
		MaximumPacketCount: job.MaxPacketCount,
		ChunkDuration:      chunkDur,
		FragmentDuration:   fragDur,
	})

	streams, err := openStreams(tracks, reader, m.AddTrack)
	if err != nil {
		return err
	}
	for {
		s := nextStream(streams)
		if s == nil {
			break
		}
		err := m.WriteSample(s.outID, mp4mux.Sample{
			Data:     s.packet.Data,
			Time:     s.packet.Time,
			Duration: s.packet.Duration,
			Key:      s.packet.IsKey(),
		})
		if err != nil {
			return err
		}
		s.packet, err = s.reader.Next(s.packet, media.ReadOptions{})
		if err != nil {
			return err
		}
	}
	return m.Finalize()
}

func remuxMatroska(
	job *JobConfig,
	tracks []*media.Track,
	reader func(int64) (media.TrackReader, error),
	out *os.File,
) error {
	m := matroska.NewMuxer(out, matroska.MuxOptions{
		WritingApp: "remux",
	})

	// Input timescales vary per track; matroska blocks share the
	// timecode tick rate.
	inScale := map[int64]int64{}
	addTrack := func(t *media.Track) (*media.Track, error) {
		scale := int64(t.Timescale)
		outTrack, err := m.AddTrack(t)
		if err != nil {
			return nil, err
		}
		if t.DefaultDuration > 0 {
			outTrack.DefaultDuration = rescale(t.DefaultDuration, scale, int64(outTrack.Timescale))
		}
		inScale[outTrack.ID] = scale
		return outTrack, nil
	}

	streams, err := openStreams(tracks, reader, addTrack)
	if err != nil {
		return err
	}
	for {
		s := nextStream(streams)
		if s == nil {
			break
		}
		// The default timecode scale of 1ms gives 1000 ticks per second.
		scale := inScale[s.outID]
		err := m.WriteSample(s.outID, matroska.MuxSample{
			Data:     s.packet.Data,
			Time:     rescale(s.packet.Time, scale, 1000),
			Duration: rescale(s.packet.Duration, scale, 1000),
			Key:      s.packet.IsKey(),
		})
		if err != nil {
			return err
		}
		s.packet, err = s.reader.Next(s.packet, media.ReadOptions{})
		if err != nil {
			return err
		}
	}
	return m.Finalize()
}

func rescale(v, from, to int64) int64 {
	if from == 0 {
		return v
	}
	return v * to / from
}
