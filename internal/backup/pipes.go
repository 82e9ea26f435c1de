package backup

import "os"

// pipePair is one unidirectional OS byte channel. The orchestrator owns every
// descriptor it creates and must close each exactly once on every exit path;
// each close method nils out its reference after closing so a second close is
// a no-op.
type pipePair struct {
	r *os.File
	w *os.File
}

func newPipePair() (*pipePair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pipePair{r: r, w: w}, nil
}

// detachRead hands ownership of the read end to the caller.
func (p *pipePair) detachRead() *os.File {
	r := p.r
	p.r = nil
	return r
}

// detachWrite hands ownership of the write end to the caller.
func (p *pipePair) detachWrite() *os.File {
	w := p.w
	p.w = nil
	return w
}

func (p *pipePair) closeRead() {
	if p == nil || p.r == nil {
		return
	}
	f := p.r
	p.r = nil
	f.Close()
}

func (p *pipePair) closeWrite() {
	if p == nil || p.w == nil {
		return
	}
	f := p.w
	p.w = nil
	f.Close()
}

func (p *pipePair) close() {
	p.closeRead()
	p.closeWrite()
}
