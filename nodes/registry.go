package nodes

import (
	"sort"
	"sync"
)

// Registry maps task_name to its node implementation. The catalog is closed:
// unknown names are rejected at the gateway and at the workers alike.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry builds the full node catalog.
func NewRegistry() *Registry {
	r := &Registry{nodes: map[string]Node{}}
	for _, n := range []Node{
		&ExtractAudio{},
		&ExtractKeyframes{},
		&CropSubtitleImages{},
		&SplitAudioSegments{},
		&TranscribeAudio{},
		&SeparateVocals{},
		&DiarizeSpeakers{},
		&GetSpeakerSegments{},
		&ValidateDiarization{},
		&DetectSubtitleArea{},
		&CreateStitchedImages{},
		&PerformOCR{},
		&PostprocessAndFinalize{},
		&GenerateSpeech{},
		&GenerateSubtitleFiles{},
		&CorrectSubtitles{},
		&AIOptimizeSubtitles{},
		&MergeSpeakerSegments{},
		&MergeWithWordTimestamps{},
		&PrepareTTSSegments{},
	} {
		r.register(n)
	}
	return r
}

func (r *Registry) register(n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.Name()] = n
}

// Get returns the node for a task_name.
func (r *Registry) Get(name string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Names returns every registered task_name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
