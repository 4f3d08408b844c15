package placerecognition

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/vision/keypoints"
)

var vocabularyMagic = [8]byte{'L', 'F', 'V', 'O', 'C', 'A', 'B', 1}

type vocabularyHeader struct {
	Magic           [8]byte
	Branching       uint32
	Depth           uint32
	DescriptorWords uint32
	Nodes           uint32
}

type nodeHeader struct {
	Parent int32
	Weight float64
}

// Save writes the vocabulary as a zstd compressed little-endian stream: a header, then every
// non-root node as its parent, weight and descriptor words. Nodes are written in creation order so
// parents always precede their children.
func (v *Vocabulary) Save(w io.Writer) (err error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return errors.Wrap(err, "creating vocabulary encoder")
	}
	defer func() {
		err = multierr.Combine(err, enc.Close())
	}()

	header := vocabularyHeader{
		Magic:           vocabularyMagic,
		Branching:       uint32(v.branching),
		Depth:           uint32(v.depth),
		DescriptorWords: uint32(v.descriptorWords),
		Nodes:           uint32(len(v.nodes)),
	}
	if err := binary.Write(enc, binary.LittleEndian, header); err != nil {
		return errors.Wrap(err, "writing vocabulary header")
	}
	for _, node := range v.nodes[1:] {
		nh := nodeHeader{Parent: int32(node.parent), Weight: node.weight}
		if err := binary.Write(enc, binary.LittleEndian, nh); err != nil {
			return errors.Wrap(err, "writing vocabulary node")
		}
		if err := binary.Write(enc, binary.LittleEndian, []uint64(node.descriptor)); err != nil {
			return errors.Wrap(err, "writing vocabulary node")
		}
	}
	return nil
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(r io.Reader) (*Vocabulary, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "creating vocabulary decoder")
	}
	defer dec.Close()

	var header vocabularyHeader
	if err := binary.Read(dec, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading vocabulary header")
	}
	if header.Magic != vocabularyMagic {
		return nil, errors.New("not a vocabulary file")
	}
	if header.Nodes == 0 || header.DescriptorWords == 0 {
		return nil, ErrEmptyVocabulary
	}

	v := &Vocabulary{
		branching:       int(header.Branching),
		depth:           int(header.Depth),
		descriptorWords: int(header.DescriptorWords),
		nodes:           make([]vocabNode, 1, header.Nodes),
	}
	v.nodes[0] = vocabNode{parent: -1, word: -1}
	for id := 1; id < int(header.Nodes); id++ {
		var nh nodeHeader
		if err := binary.Read(dec, binary.LittleEndian, &nh); err != nil {
			return nil, errors.Wrapf(err, "reading vocabulary node %d", id)
		}
		if nh.Parent < 0 || int(nh.Parent) >= id {
			return nil, errors.Errorf("vocabulary node %d has invalid parent %d", id, nh.Parent)
		}
		desc := make(keypoints.Descriptor, v.descriptorWords)
		if err := binary.Read(dec, binary.LittleEndian, []uint64(desc)); err != nil {
			return nil, errors.Wrapf(err, "reading vocabulary node %d", id)
		}
		v.nodes = append(v.nodes, vocabNode{parent: int(nh.Parent), descriptor: desc, weight: nh.Weight, word: -1})
		v.nodes[nh.Parent].children = append(v.nodes[nh.Parent].children, id)
	}
	v.assignWords()
	if len(v.words) == 0 {
		return nil, ErrEmptyVocabulary
	}
	return v, nil
}

// SaveFile writes the vocabulary to path.
func (v *Vocabulary) SaveFile(path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return v.Save(f)
}

// LoadVocabularyFile reads the vocabulary stored at path.
func LoadVocabularyFile(path string) (*Vocabulary, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocabulary")
	}
	defer func() {
		_ = f.Close()
	}()
	return LoadVocabulary(f)
}
