package overlay

import (
	"bytes"
	"image"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/plate-checkin-service/models"
)

// Update is what one analysis cycle shows on the preview. A nil Box clears
// the overlay.
type Update struct {
	Seq  uint64
	Box  *models.DisplayBox
	Crop image.Image
}

const subscriberBuffer = 8

// Presenter fans overlay updates out to subscribers in publish order. All
// deliveries happen under one lock, so an update published by cycle n is
// visible to every subscriber before cycle n+1's.
type Presenter struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
	latest *Update
	closed bool
}

func NewPresenter() *Presenter {
	return &Presenter{subs: make(map[int]chan Update)}
}

// Publish never blocks: a subscriber whose buffer is full misses the update
// but still sees Latest.
func (p *Presenter) Publish(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.latest = &u
	for _, ch := range p.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (p *Presenter) Latest() (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Update{}, false
	}
	return *p.latest, true
}

// Subscribe returns a channel of updates and a cancel func. The channel is
// closed by cancel or by Close.
func (p *Presenter) Subscribe() (<-chan Update, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Update, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

func (p *Presenter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

// EncodePreview renders a crop preview as JPEG.
func EncodePreview(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
