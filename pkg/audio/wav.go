package audio

import (
	"encoding/binary"
	"fmt"
)

// wavHeaderLen is the length of a canonical 44-byte PCM WAV header.
const wavHeaderLen = 44

// EncodeWAV wraps mono PCM16 samples in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	dataLen := uint32(len(pcm))
	buf := make([]byte, wavHeaderLen+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataLen)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate)*2) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits/sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataLen)
	copy(buf[wavHeaderLen:], pcm)
	return buf
}

// DecodeWAV strips the container from a PCM WAV payload and returns the raw
// samples and sample rate. Only uncompressed PCM with a 44-byte header is
// supported, which covers every synthesis backend the pipeline talks to.
func DecodeWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < wavHeaderLen {
		return nil, 0, fmt.Errorf("audio: wav payload too short (%d bytes)", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a RIFF/WAVE payload")
	}
	format := binary.LittleEndian.Uint16(data[20:22])
	if format != 1 {
		return nil, 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
	}
	sampleRate = int(binary.LittleEndian.Uint32(data[24:28]))
	dataLen := int(binary.LittleEndian.Uint32(data[40:44]))
	if wavHeaderLen+dataLen > len(data) {
		dataLen = len(data) - wavHeaderLen
	}
	return data[wavHeaderLen : wavHeaderLen+dataLen], sampleRate, nil
}
