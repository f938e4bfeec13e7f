package ports

// AudioCallbacks run on the device's real-time context and must not block.
type AudioCallbacks struct {
	OnCapture  func(pcm []int16)
	OnPlayback func(out []int16)
}

// AudioDevice is a platform audio loop delivering fixed-cadence PCM frames.
type AudioDevice interface {
	Start(callbacks AudioCallbacks) error
	Stop() error
}

type AudioDeviceFactory interface {
	NewDevice(sampleRate uint32, channels uint8, samplesPerFrame int) (AudioDevice, error)
}

// FrameCodec turns PCM frames into opaque media payloads and back.
type FrameCodec interface {
	Name() string
	Encode(pcm []int16) ([]byte, error)
	Decode(payload []byte) ([]int16, error)
}
