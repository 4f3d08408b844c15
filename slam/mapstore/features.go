package mapstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/loopfusion/vision/keypoints"
)

// writeDescriptors writes the descriptor count and the words per descriptor as little endian
// uint32s followed by every word as a little endian uint64.
func writeDescriptors(out io.Writer, descs keypoints.Descriptors) error {
	words := 0
	if len(descs) > 0 {
		words = len(descs[0])
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(len(descs)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(words))
	if _, err := out.Write(buf); err != nil {
		return err
	}
	for i, d := range descs {
		if len(d) != words {
			return errors.Errorf("descriptor %d has %d words, expected %d", i, len(d), words)
		}
		for _, w := range d {
			binary.LittleEndian.PutUint64(buf, w)
			if _, err := out.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func readDescriptors(r io.Reader) (keypoints.Descriptors, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "reading descriptor header")
	}
	count := int(binary.LittleEndian.Uint32(header))
	words := int(binary.LittleEndian.Uint32(header[4:]))
	if count > 0 && (words == 0 || words > 64) {
		return nil, errors.Errorf("bad descriptor width %d", words)
	}

	descs := make(keypoints.Descriptors, count)
	buf := make([]byte, 8*words)
	for i := range descs {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrapf(err, "reading descriptor %d of %d", i, count)
		}
		d := make(keypoints.Descriptor, words)
		for j := range d {
			d[j] = binary.LittleEndian.Uint64(buf[8*j:])
		}
		descs[i] = d
	}
	return descs, nil
}

// writeKeyPoints writes one "u v x y" line per keypoint: pixel then normalized coordinates.
func writeKeyPoints(out io.Writer, kps keypoints.KeyPoints) error {
	w := bufio.NewWriter(out)
	for _, kp := range kps {
		if _, err := fmt.Fprintf(w, "%s %s %s %s\n",
			formatFloat(kp.Pixel.X), formatFloat(kp.Pixel.Y),
			formatFloat(kp.Normalized.X), formatFloat(kp.Normalized.Y)); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readKeyPoints(r io.Reader, expected int) (keypoints.KeyPoints, error) {
	kps := make(keypoints.KeyPoints, 0, expected)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 4 {
			return nil, errors.Errorf("keypoint line %d: expected 4 fields, got %d", line, len(fields))
		}
		var values [4]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "keypoint line %d", line)
			}
			values[i] = v
		}
		kps = append(kps, keypoints.NewKeyPoint(values[0], values[1], values[2], values[3]))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(kps) != expected {
		return nil, errors.Errorf("expected %d keypoints, got %d", expected, len(kps))
	}
	return kps, nil
}
