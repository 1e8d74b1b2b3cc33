// Package matroska reads and writes Matroska and WebM containers.
package matroska

// Element IDs, marker bit included.
const (
	// EBML header.
	idEBML               = 0x1a45dfa3
	idEBMLVersion        = 0x4286
	idEBMLReadVersion    = 0x42f7
	idEBMLMaxIDLength    = 0x42f2
	idEBMLMaxSizeLength  = 0x42f3
	idDocType            = 0x4282
	idDocTypeVersion     = 0x4287
	idDocTypeReadVersion = 0x4285

	// Segment.
	idSegment     = 0x18538067
	idSeekHead    = 0x114d9b74
	idSeek        = 0x4dbb
	idSeekID      = 0x53ab
	idSeekPos     = 0x53ac
	idInfo        = 0x1549a966
	idTimecodeScl = 0x2ad7b1
	idDuration    = 0x4489
	idMuxingApp   = 0x4d80
	idWritingApp  = 0x5741
	idTags        = 0x1254c367
	idChapters    = 0x1043a770
	idAttachments = 0x1941a469

	// Tracks.
	idTracks          = 0x1654ae6b
	idTrackEntry      = 0xae
	idTrackNumber     = 0xd7
	idTrackUID        = 0x73c5
	idTrackType       = 0x83
	idFlagEnabled     = 0xb9
	idFlagDefault     = 0x88
	idFlagForced      = 0x55aa
	idFlagLacing      = 0x9c
	idDefaultDuration = 0x23e383
	idCodecID         = 0x86
	idCodecPrivate    = 0x63a2
	idVideo           = 0xe0
	idPixelWidth      = 0xb0
	idPixelHeight     = 0xba
	idAudio           = 0xe1
	idSamplingFreq    = 0xb5
	idChannels        = 0x9f
	idBitDepth        = 0x6264

	// Content encodings.
	idContentEncodings    = 0x6d80
	idContentEncoding     = 0x6240
	idContentEncOrder     = 0x5031
	idContentEncScope     = 0x5032
	idContentEncType      = 0x5033
	idContentCompression  = 0x5034
	idContentCompAlgo     = 0x4254
	idContentCompSettings = 0x4255
	idContentEncryption   = 0x5035

	// Clusters.
	idCluster       = 0x1f43b675
	idTimecode      = 0xe7
	idSimpleBlock   = 0xa3
	idBlockGroup    = 0xa0
	idBlock         = 0xa1
	idBlockDuration = 0x9b
	idRefBlock      = 0xfb
	idBlockAdds     = 0x75a1
	idBlockMore     = 0xa6
	idBlockAddID    = 0xee
	idBlockAdd      = 0xa5

	// Cues.
	idCues       = 0x1c53bb6b
	idCuePoint   = 0xbb
	idCueTime    = 0xb3
	idCueTrackPs = 0xb7
	idCueTrack   = 0xf7
	idCueClusPos = 0xf1

	idVoid = 0xec
)

// isSegmentChild reports whether id is a direct child of Segment, used
// to terminate unknown-size clusters.
func isSegmentChild(id uint32) bool {
	switch id {
	case idSeekHead, idInfo, idTracks, idCues, idCluster,
		idTags, idChapters, idAttachments:
		return true
	}
	return false
}

// Lacing modes from the block flag bits.
const (
	laceNone  = 0x00
	laceXiph  = 0x02
	laceFixed = 0x04
	laceEBML  = 0x06
)

// Content encoding constants.
const (
	compAlgoZlib        = 0
	compAlgoHeaderStrip = 3
	encTypeCompression  = 0
	encTypeEncryption   = 1
)

// Track types.
const (
	trackTypeVideo    = 1
	trackTypeAudio    = 2
	trackTypeSubtitle = 17
)
