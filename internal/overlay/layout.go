package overlay

import "sync"

// ScrollDirective tells the host what to do with the comment list's scroll
// position after its content changes.
type ScrollDirective int

const (
	// Reveal scrolls new content into view.
	Reveal ScrollDirective = iota
	// Preserve keeps the position the user scrolled to.
	Preserve
)

func (d ScrollDirective) String() string {
	if d == Preserve {
		return "preserve"
	}
	return "reveal"
}

// Layout tracks the keyboard and manual scrolling for the input bar and
// comment list.
type Layout struct {
	mu             sync.Mutex
	keyboardHeight float64
	safeAreaBottom float64
	userScrolled   bool
}

func (l *Layout) SetSafeAreaBottom(inset float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.safeAreaBottom = max(inset, 0)
}

// KeyboardChanged records the keyboard height and returns the input bar's
// offset from the bottom of the screen.
func (l *Layout) KeyboardChanged(height float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyboardHeight = max(height, 0)
	return l.inputOffsetLocked()
}

// InputOffset places the input bar just above the keyboard, or above the
// safe area when the keyboard is hidden.
func (l *Layout) InputOffset() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inputOffsetLocked()
}

func (l *Layout) inputOffsetLocked() float64 {
	if l.keyboardHeight > 0 {
		return l.keyboardHeight
	}
	return l.safeAreaBottom
}

// UserScrolled records whether the list is away from the top because the
// user moved it.
func (l *Layout) UserScrolled(scrolled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userScrolled = scrolled
}

func (l *Layout) Directive() ScrollDirective {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userScrolled {
		return Preserve
	}
	return Reveal
}

func (l *Layout) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userScrolled = false
}
