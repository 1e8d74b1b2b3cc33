// Package mediaprobe is a CLI utility that prints the track layout and
// duration of mp4 and matroska files.
package main

import (
	"fmt"
	stdlog "log"
	"os"

	"mediakit/pkg/avc"
	"mediakit/pkg/log"
	"mediakit/pkg/matroska"
	"mediakit/pkg/media"
	"mediakit/pkg/mp4demux"
	"mediakit/pkg/sliceio"
)

const usage = `print the track layout and duration of a media file
example: mediaprobe ./video.mp4`

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error {
	args := os.Args
	if len(args) != 2 {
		fmt.Println(usage)
		return nil
	}
	path := args[1]

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	src := sliceio.NewReaderAtSource(file, stat.Size())
	logger := log.NewStderrLogger()

	tracks, reader, err := openAny(src, logger)
	if err != nil {
		return err
	}

	for _, t := range tracks {
		fmt.Printf("track %d: %v codec=%q timescale=%d", t.ID, t.Kind, t.Codec, t.Timescale)
		switch t.Kind {
		case media.KindVideo:
			fmt.Printf(" %dx%d", t.Width, t.Height)
			if isH264(t.Codec) {
				if sps, err := avc.FromDecoderConfig(t.CodecPrivate); err == nil {
					fmt.Printf(" (h264 profile=%d level=%d coded %dx%d)",
						sps.ProfileIDC, sps.LevelIDC, sps.Width, sps.Height)
				}
			}
		case media.KindAudio:
			fmt.Printf(" %dHz ch=%d", t.SampleRate, t.Channels)
		}
		if t.Forced {
			fmt.Print(" forced")
		}
		fmt.Println()

		r, err := reader(t.ID)
		if err != nil {
			return err
		}
		dur, err := r.Duration()
		if err != nil {
			return err
		}
		seconds := float64(dur) / float64(t.Timescale)
		fmt.Printf("  duration: %.3fs (%d ticks)\n", seconds, dur)

		first, err := r.First(media.ReadOptions{MetadataOnly: true})
		if err != nil {
			return err
		}
		if first != nil {
			fmt.Printf("  first packet: time=%d size=%d %v\n",
				first.Time, first.Size, first.Type)
		}
	}
	return nil
}

func isH264(codec string) bool {
	switch codec {
	case "avc1", "avc3", "V_MPEG4/ISO/AVC":
		return true
	}
	return false
}

// openAny sniffs the container format and opens the matching demuxer.
func openAny(src sliceio.Source, logger *log.Logger) ([]*media.Track, func(int64) (media.TrackReader, error), error) {
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
	return d.Tracks(), d.Reader, nil
}
