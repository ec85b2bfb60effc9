package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// previewQueueDepth is the buffer depth of the preview target. Frames beyond
// it are dropped at the source rather than queued.
const previewQueueDepth = 2

// previewPipeline is the continuous frame sink. The hardware pushes frames
// from its dispatch goroutine into a bounded queue; the worker drains the
// queue, converts each frame to JPEG at a fixed quality, and hands it to the
// single registered observer. Frames are delivered un-rotated; rotation is
// applied at the consumption boundary.
type previewPipeline struct {
	logger   *zap.Logger
	emit     func(hardware.Frame) bool
	quality  int
	logEvery uint64

	// worker-owned
	target *hardware.Target
	sink   func([]byte)

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func newPreviewPipeline(emit func(hardware.Frame) bool, quality, logEvery int, logger *zap.Logger) *previewPipeline {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	p := &previewPipeline{
		logger:  logger,
		emit:    emit,
		quality: quality,
	}
	if logEvery > 0 {
		p.logEvery = uint64(logEvery)
	}
	return p
}

// prepare builds the preview target at the negotiated size. Worker context.
func (p *previewPipeline) prepare(size hardware.Size) {
	p.target = &hardware.Target{
		Kind:       hardware.TargetPreview,
		Width:      size.Width,
		Height:     size.Height,
		QueueDepth: previewQueueDepth,
		OnFrame:    p.enqueue,
	}
}

// enqueue runs on the backend dispatch goroutine. Overflow means the frame is
// dropped here, never buffered.
func (p *previewPipeline) enqueue(frame hardware.Frame) {
	p.received.Add(1)
	if !p.emit(frame) {
		p.dropped.Add(1)
	}
}

// setSink registers the single observer. Worker context.
func (p *previewPipeline) setSink(sink func([]byte)) {
	p.sink = sink
}

// process converts and forwards one frame. Worker context; the observer runs
// inline and must not block.
func (p *previewPipeline) process(frame hardware.Frame) {
	sink := p.sink
	if sink == nil {
		return
	}
	data, err := encodeJPEG(frame, p.quality)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Preview frame conversion failed",
			zap.Uint64("sequence", frame.Sequence),
			zap.String("format", string(frame.Format)),
			zap.Error(err))
		return
	}
	sink(data)

	n := p.delivered.Add(1)
	if p.logEvery > 0 && n%p.logEvery == 0 {
		p.logger.Debug("Preview frames delivered",
			zap.Uint64("delivered", n),
			zap.Uint64("dropped", p.dropped.Load()))
	}
}

func (p *previewPipeline) stats() map[string]interface{} {
	return map[string]interface{}{
		"frames_received":  p.received.Load(),
		"frames_delivered": p.delivered.Load(),
		"frames_dropped":   p.dropped.Load(),
		"convert_failures": p.failed.Load(),
	}
}

// encodeJPEG turns a frame into deliverable JPEG bytes. Frames already
// encoded pass through untouched; raw formats are wrapped and compressed at
// the given quality.
func encodeJPEG(frame hardware.Frame, quality int) ([]byte, error) {
	switch frame.Format {
	case hardware.FormatJPEG:
		return frame.Data, nil
	case hardware.FormatRGBA:
		if len(frame.Data) < frame.Width*frame.Height*4 {
			return nil, fmt.Errorf("rgba frame truncated: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
		}
		img := &image.RGBA{
			Pix:    frame.Data,
			Stride: frame.Width * 4,
			Rect:   image.Rect(0, 0, frame.Width, frame.Height),
		}
		return compressJPEG(img, quality)
	case hardware.FormatYUYV:
		img, err := yuyvToYCbCr(frame)
		if err != nil {
			return nil, err
		}
		return compressJPEG(img, quality)
	default:
		return nil, fmt.Errorf("unsupported frame format %q", frame.Format)
	}
}

func compressJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// yuyvToYCbCr unpacks a YUYV (YUY2) buffer into a 4:2:2 YCbCr image. Each
// four-byte group carries two pixels: Y0 Cb Y1 Cr.
func yuyvToYCbCr(frame hardware.Frame) (*image.YCbCr, error) {
	if frame.Width%2 != 0 {
		return nil, fmt.Errorf("yuyv frame width %d not even", frame.Width)
	}
	need := frame.Width * frame.Height * 2
	if len(frame.Data) < need {
		return nil, fmt.Errorf("yuyv frame truncated: %d bytes, need %d", len(frame.Data), need)
	}

	img := image.NewYCbCr(image.Rect(0, 0, frame.Width, frame.Height), image.YCbCrSubsampleRatio422)
	src := 0
	for y := 0; y < frame.Height; y++ {
		yOff := y * img.YStride
		cOff := y * img.CStride
		for x := 0; x < frame.Width; x += 2 {
			img.Y[yOff+x] = frame.Data[src]
			img.Cb[cOff+x/2] = frame.Data[src+1]
			img.Y[yOff+x+1] = frame.Data[src+2]
			img.Cr[cOff+x/2] = frame.Data[src+3]
			src += 4
		}
	}
	return img, nil
}
