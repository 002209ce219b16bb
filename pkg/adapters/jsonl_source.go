package adapters

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// Branch names of the event record. Truth jets come from GenJet and reco
// jets from Jet; every other branch is a constituent collection.
const (
	BranchGenJet   = "GenJet"
	BranchJet      = "Jet"
	BranchParticle = "Particle"
)

// constituentClass maps a branch to the kind of object it stores.
var constituentClass = map[string]model.Kind{
	BranchParticle:       model.KindSimulatedParticle,
	"Track":              model.KindDetectorTrack,
	"EFlowTrack":         model.KindDetectorTrack,
	"Tower":              model.KindCalorimeterTower,
	"EFlowPhoton":        model.KindCalorimeterTower,
	"EFlowNeutralHadron": model.KindCalorimeterTower,
}

const readBufferSize = 1 << 20

// JSONLSource reads events from JSON Lines files, one event per line.
// Several files are chained into one sequence and entry numbers continue
// across file boundaries.
type JSONLSource struct {
	paths  []string
	opener Opener
	logger *zap.Logger

	fileIdx int
	cur     io.ReadCloser
	reader  *bufio.Reader
	line    int64

	entry   int64
	entries int64
	counted bool
}

// SourceOption configures a JSONLSource.
type SourceOption func(*JSONLSource)

// WithOpener sets how input paths are opened.
func WithOpener(o Opener) SourceOption {
	return func(s *JSONLSource) { s.opener = o }
}

// WithSourceLogger sets the logger for file transitions.
func WithSourceLogger(l *zap.Logger) SourceOption {
	return func(s *JSONLSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewJSONLSource creates a source over paths, read in order.
func NewJSONLSource(paths []string, opts ...SourceOption) (*JSONLSource, error) {
	if len(paths) == 0 {
		return nil, jerrors.New(jerrors.CodeInvalidInput, "no input files")
	}
	s := &JSONLSource{
		paths:  paths,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the adapter name.
func (s *JSONLSource) Name() string {
	return "jsonl"
}

// Entries implements pipeline.Counter once CountEntries has run.
func (s *JSONLSource) Entries() (int64, bool) {
	return s.entries, s.counted
}

// CountEntries scans every input once and records the number of events.
// It reads the inputs independently of the event cursor.
func (s *JSONLSource) CountEntries(ctx context.Context) (int64, error) {
	var total int64
	for _, path := range s.paths {
		rc, err := s.opener.Open(ctx, path)
		if err != nil {
			return 0, err
		}
		r := bufio.NewReaderSize(rc, readBufferSize)
		for {
			if err := ctx.Err(); err != nil {
				rc.Close()
				return 0, jerrors.ContextCanceled("count entries", err)
			}
			line, err := readLine(r)
			if len(line) > 0 {
				total++
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rc.Close()
				return 0, jerrors.Wrap(err, jerrors.CodeInvalidInput, "count entries").WithContext("path", path)
			}
		}
		rc.Close()
	}
	s.entries, s.counted = total, true
	return total, nil
}

// Next implements pipeline.EventSource.
func (s *JSONLSource) Next(ctx context.Context) (*model.Event, error) {
	line, err := s.nextLine(ctx)
	if err != nil {
		return nil, err
	}

	ev, err := decodeEvent(line)
	if err != nil {
		return nil, jerrors.DecodeError(s.paths[s.fileIdx], s.line, err)
	}
	ev.Entry = s.entry
	s.entry++
	return ev, nil
}

// Skip implements pipeline.Skipper. Skipped lines are not decoded.
func (s *JSONLSource) Skip(ctx context.Context, n int64) (int64, error) {
	var skipped int64
	for skipped < n {
		if _, err := s.nextLine(ctx); err != nil {
			if err == io.EOF {
				return skipped, nil
			}
			return skipped, err
		}
		s.entry++
		skipped++
	}
	return skipped, nil
}

// Close releases the current input.
func (s *JSONLSource) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur, s.reader = nil, nil
	return err
}

// nextLine returns the next non-blank line across the chained inputs.
func (s *JSONLSource) nextLine(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, jerrors.ContextCanceled("read event", err)
		}
		if s.reader == nil {
			if s.fileIdx >= len(s.paths) {
				return nil, io.EOF
			}
			if err := s.openCurrent(ctx); err != nil {
				return nil, err
			}
		}

		line, err := readLine(s.reader)
		if err != nil && err != io.EOF {
			return nil, jerrors.Wrap(err, jerrors.CodeInvalidInput, "read input").
				WithContext("path", s.paths[s.fileIdx])
		}
		if len(line) > 0 {
			s.line++
			return line, nil
		}
		if err == io.EOF {
			if cerr := s.Close(); cerr != nil {
				return nil, jerrors.Wrap(cerr, jerrors.CodeInvalidInput, "close input").
					WithContext("path", s.paths[s.fileIdx])
			}
			s.fileIdx++
			continue
		}
		s.line++
	}
}

func (s *JSONLSource) openCurrent(ctx context.Context) error {
	path := s.paths[s.fileIdx]
	rc, err := s.opener.Open(ctx, path)
	if err != nil {
		return err
	}
	s.cur = rc
	s.reader = bufio.NewReaderSize(rc, readBufferSize)
	s.line = 0
	s.logger.Debug("opened input", zap.String("path", path), zap.Int64("first_entry", s.entry))
	return nil
}

// readLine reads one line without its line ending. It returns io.EOF
// together with a final unterminated line.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	return bytes.TrimSpace(line), err
}

// --- Record decoding ---

type rawJet struct {
	PT           float64   `json:"PT"`
	Eta          float64   `json:"Eta"`
	Phi          float64   `json:"Phi"`
	Mass         float64   `json:"Mass"`
	BTag         tagFlag   `json:"BTag"`
	TauTag       tagFlag   `json:"TauTag"`
	Constituents []*rawRef `json:"Constituents"`
}

type rawRef struct {
	Branch string `json:"branch"`
	Index  int    `json:"index"`
}

// rawObject covers the fields of every constituent branch.
type rawObject struct {
	PT   float64 `json:"PT"`
	ET   float64 `json:"ET"`
	Eta  float64 `json:"Eta"`
	Phi  float64 `json:"Phi"`
	Mass float64 `json:"Mass"`
	E    float64 `json:"E"`
	Px   float64 `json:"Px"`
	Py   float64 `json:"Py"`
	Pz   float64 `json:"Pz"`
	PID  int     `json:"PID"`
	M1   *int    `json:"M1"`
}

// tagFlag accepts booleans and Delphes-style integer bit masks.
type tagFlag bool

func (f *tagFlag) UnmarshalJSON(b []byte) error {
	switch s := string(bytes.TrimSpace(b)); s {
	case "true":
		*f = true
	case "false", "null":
		*f = false
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("tag flag %q: %w", s, err)
		}
		*f = v != 0
	}
	return nil
}

// eventRecord is one decoded line. Constituent branches stay raw until a
// jet references one of their elements.
type eventRecord struct {
	branches map[string][]json.RawMessage
	decoded  map[string][]*rawObject
}

func decodeEvent(line []byte) (*model.Event, error) {
	rec := &eventRecord{decoded: make(map[string][]*rawObject)}
	if err := json.Unmarshal(line, &rec.branches); err != nil {
		return nil, err
	}

	ev := &model.Event{Multiplicity: make(map[string]int, len(rec.branches))}
	for name, items := range rec.branches {
		ev.Multiplicity[name] = len(items)
	}

	var err error
	if ev.TruthJets, err = rec.jets(BranchGenJet); err != nil {
		return nil, err
	}
	if ev.RecoJets, err = rec.jets(BranchJet); err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *eventRecord) jets(branch string) ([]model.Jet, error) {
	items := r.branches[branch]
	if len(items) == 0 {
		return nil, nil
	}

	out := make([]model.Jet, len(items))
	for i, item := range items {
		var rj rawJet
		if err := json.Unmarshal(item, &rj); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", branch, i, err)
		}

		jet := model.Jet{
			PT:     rj.PT,
			Eta:    rj.Eta,
			Phi:    rj.Phi,
			Mass:   rj.Mass,
			BTag:   bool(rj.BTag),
			TauTag: bool(rj.TauTag),
		}
		if len(rj.Constituents) > 0 {
			jet.Constituents = make([]model.Constituent, len(rj.Constituents))
		}
		for k, ref := range rj.Constituents {
			c, err := r.resolve(ref)
			if err != nil {
				return nil, fmt.Errorf("%s[%d] constituent %d: %w", branch, i, k, err)
			}
			jet.Constituents[k] = c
		}
		out[i] = jet
	}
	return out, nil
}

// resolve turns a reference into a constituent. A null reference, or one
// that points outside its branch, resolves to nil.
func (r *eventRecord) resolve(ref *rawRef) (model.Constituent, error) {
	if ref == nil {
		return nil, nil
	}
	obj, err := r.object(ref.Branch, ref.Index)
	if err != nil || obj == nil {
		return nil, err
	}

	switch constituentClass[ref.Branch] {
	case model.KindSimulatedParticle:
		p := &model.SimulatedParticle{
			PT:       obj.PT,
			Eta:      obj.Eta,
			Phi:      obj.Phi,
			PID:      obj.PID,
			M1:       -1,
			Momentum: particleMomentum(obj),
		}
		if obj.M1 != nil {
			p.M1 = *obj.M1
			mother, err := r.object(BranchParticle, p.M1)
			if err != nil {
				return nil, err
			}
			if mother != nil {
				p.MotherPID = mother.PID
			}
		}
		return p, nil

	case model.KindDetectorTrack:
		return &model.DetectorTrack{
			PT:       obj.PT,
			Eta:      obj.Eta,
			Phi:      obj.Phi,
			Momentum: model.PtEtaPhiM(obj.PT, obj.Eta, obj.Phi, obj.Mass),
		}, nil

	case model.KindCalorimeterTower:
		return &model.CalorimeterTower{
			ET:       obj.ET,
			Eta:      obj.Eta,
			Phi:      obj.Phi,
			Momentum: model.PtEtaPhiE(obj.ET, obj.Eta, obj.Phi, obj.E),
		}, nil

	default:
		return &model.Unrecognized{
			Class:    ref.Branch,
			Momentum: model.PtEtaPhiM(obj.PT, obj.Eta, obj.Phi, obj.Mass),
		}, nil
	}
}

// object decodes element idx of a constituent branch, caching the result.
func (r *eventRecord) object(branch string, idx int) (*rawObject, error) {
	items := r.branches[branch]
	if idx < 0 || idx >= len(items) {
		return nil, nil
	}

	cache := r.decoded[branch]
	if cache == nil {
		cache = make([]*rawObject, len(items))
		r.decoded[branch] = cache
	}
	if cache[idx] == nil {
		obj := &rawObject{}
		if err := json.Unmarshal(items[idx], obj); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", branch, idx, err)
		}
		cache[idx] = obj
	}
	return cache[idx], nil
}

// particleMomentum prefers the stored Cartesian components.
func particleMomentum(o *rawObject) model.FourMomentum {
	if o.Px != 0 || o.Py != 0 || o.Pz != 0 || o.E != 0 {
		return model.PxPyPzE(o.Px, o.Py, o.Pz, o.E)
	}
	return model.PtEtaPhiM(o.PT, o.Eta, o.Phi, o.Mass)
}
