package providers

import (
	"context"
	"strings"
	"time"

	"productlab/internal/domain"
	"productlab/internal/metrics"
)

// Registry routes requests to backends by model id. Every call through the
// registry is bounded by its timeout and returns coded errors.
type Registry struct {
	images    map[string]namedImage
	chats     map[string]namedChat
	streamers map[string]namedStream

	defaultImage string
	defaultChat  string
	imageOrder   []string
	chatOrder    []string

	imageTimeout  time.Duration
	chatTimeout   time.Duration
	streamTimeout time.Duration
}

type namedImage struct {
	provider string
	backend  ImageSynthesizer
}

type namedChat struct {
	provider string
	backend  ChatCompleter
}

type namedStream struct {
	provider string
	backend  ChatStreamer
}

type RegistryOptions struct {
	DefaultImageModel string
	DefaultChatModel  string
	ImageTimeout      time.Duration
	ChatTimeout       time.Duration
	StreamTimeout     time.Duration
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		images:        map[string]namedImage{},
		chats:         map[string]namedChat{},
		streamers:     map[string]namedStream{},
		defaultImage:  normalizeModel(opts.DefaultImageModel),
		defaultChat:   normalizeModel(opts.DefaultChatModel),
		imageTimeout:  opts.ImageTimeout,
		chatTimeout:   opts.ChatTimeout,
		streamTimeout: opts.StreamTimeout,
	}
}

// RegisterImage binds models to an image backend. The first registered model
// becomes the default when none was configured.
func (r *Registry) RegisterImage(provider string, backend ImageSynthesizer, models ...string) {
	for _, m := range models {
		m = normalizeModel(m)
		if m == "" {
			continue
		}
		r.images[m] = namedImage{provider: provider, backend: backend}
		r.imageOrder = append(r.imageOrder, m)
		if r.defaultImage == "" {
			r.defaultImage = m
		}
	}
}

// RegisterChat binds models to a chat backend. Backends that also stream are
// registered for streaming.
func (r *Registry) RegisterChat(provider string, backend ChatCompleter, models ...string) {
	streamer, streams := backend.(ChatStreamer)
	for _, m := range models {
		m = normalizeModel(m)
		if m == "" {
			continue
		}
		r.chats[m] = namedChat{provider: provider, backend: backend}
		r.chatOrder = append(r.chatOrder, m)
		if streams {
			r.streamers[m] = namedStream{provider: provider, backend: streamer}
		}
		if r.defaultChat == "" {
			r.defaultChat = m
		}
	}
}

// ResolveDefaults replaces configured defaults that no backend serves with
// the first registered model.
func (r *Registry) ResolveDefaults() {
	if _, ok := r.images[r.defaultImage]; !ok && len(r.imageOrder) > 0 {
		r.defaultImage = r.imageOrder[0]
	}
	if _, ok := r.chats[r.defaultChat]; !ok && len(r.chatOrder) > 0 {
		r.defaultChat = r.chatOrder[0]
	}
}

// ImageModels lists the registered image model ids.
func (r *Registry) ImageModels() []string {
	return append([]string(nil), r.imageOrder...)
}

// DefaultImageModel is the model used when a request names none.
func (r *Registry) DefaultImageModel() string { return r.defaultImage }

func (r *Registry) resolveImage(model string) (string, namedImage, error) {
	model = normalizeModel(model)
	if model == "" {
		model = r.defaultImage
	}
	entry, ok := r.images[model]
	if !ok {
		return model, namedImage{}, domain.NewError(domain.CodeModelUnavailable, "")
	}
	return model, entry, nil
}

func (r *Registry) SynthesizeImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	model, entry, err := r.resolveImage(req.Model)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("unknown", "image", string(domain.CodeModelUnavailable)).Inc()
		return nil, err
	}
	req.Model = model
	ctx, cancel := withTimeout(ctx, r.imageTimeout)
	defer cancel()
	res, err := entry.backend.SynthesizeImage(ctx, req)
	if err == nil {
		err = res.Check()
	}
	err = Classify(err)
	metrics.ProviderCalls.WithLabelValues(entry.provider, "image", codeLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Registry) resolveChat(model string) (string, namedChat, error) {
	model = normalizeModel(model)
	if model == "" {
		model = r.defaultChat
	}
	entry, ok := r.chats[model]
	if !ok {
		return model, namedChat{}, domain.NewError(domain.CodeModelUnavailable, "")
	}
	return model, entry, nil
}

func (r *Registry) CompleteChat(ctx context.Context, req ChatRequest) (string, error) {
	model, entry, err := r.resolveChat(req.Model)
	if err != nil {
		return "", err
	}
	req.Model = model
	ctx, cancel := withTimeout(ctx, r.chatTimeout)
	defer cancel()
	text, err := entry.backend.CompleteChat(ctx, req)
	err = Classify(err)
	metrics.ProviderCalls.WithLabelValues(entry.provider, "chat", codeLabel(err)).Inc()
	return text, err
}

func (r *Registry) StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta, full string) error) error {
	model := normalizeModel(req.Model)
	if model == "" {
		model = r.defaultChat
	}
	entry, ok := r.streamers[model]
	if !ok {
		return domain.NewError(domain.CodeModelUnavailable, "")
	}
	req.Model = model
	ctx, cancel := withTimeout(ctx, r.streamTimeout)
	defer cancel()
	err := Classify(entry.backend.StreamChat(ctx, req, onDelta))
	metrics.ProviderCalls.WithLabelValues(entry.provider, "stream", codeLabel(err)).Inc()
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func codeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.CodeOf(err))
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

var (
	_ ImageSynthesizer = (*Registry)(nil)
	_ ChatCompleter    = (*Registry)(nil)
	_ ChatStreamer     = (*Registry)(nil)
)
