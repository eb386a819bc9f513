// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/driver/soft"
	"github.com/gviegas/residency/hostmem"
	"github.com/gviegas/residency/internal/config"
	"github.com/gviegas/residency/internal/ctxt"
	"github.com/gviegas/residency/internal/logger"
	"github.com/gviegas/residency/mempool"
)

func newRunCmd(opts *options) *cobra.Command {
	var showMetrics bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize, relocate and verify the configured pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			if err := useSoftLayout(&opts.cfg.Device); err != nil {
				return err
			}
			if err := ctxt.Load(opts.cfg.Device.Driver, opts.cfg.Device.Strict); err != nil {
				return fmt.Errorf("load driver %q: %w", opts.cfg.Device.Driver, err)
			}
			defer ctxt.Close()

			reg := prometheus.NewRegistry()
			met, err := mempool.NewMetrics(reg)
			if err != nil {
				return err
			}
			pr := newProbe(ctxt.GPU(), met)
			err = pr.run(opts.cfg)
			pr.report(cmd.OutOrStdout())
			if showMetrics {
				if err := printMetrics(cmd.OutOrStdout(), reg); err != nil {
					return err
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&showMetrics, "metrics", true, "print the gathered metrics")
	return cmd
}

// useSoftLayout replaces the registered soft driver with
// one exposing the configured layout.
func useSoftLayout(dev *config.Device) error {
	lay, err := dev.SoftLayout()
	if err != nil {
		return err
	}
	driver.Register(soft.New(lay))
	return nil
}

var errMismatch = errors.New("device memory does not match host memory")

// entry is the probe record of a single pool.
type entry struct {
	cfg      config.Pool
	prop     driver.MemProp
	host     *hostmem.Block
	pool     mempool.Pool
	state    mempool.State
	err      error
	verified bool
}

// probe runs the configured pools on a GPU.
type probe struct {
	gpu     driver.GPU
	met     *mempool.Metrics
	log     *zap.Logger
	entries []*entry
	frames  int
}

func newProbe(gpu driver.GPU, met *mempool.Metrics) *probe {
	return &probe{
		gpu: gpu,
		met: met,
		log: logger.Get().Named("resprobe"),
	}
}

// run initializes every pool, relocates the pending ones
// over at most cfg.Frames frames, verifies the contents
// and finalizes everything.
func (p *probe) run(cfg *config.Config) error {
	var errs *multierror.Error
	defer p.finalize()

	align := p.gpu.Limits().MinImportAlign
	for _, pc := range cfg.Pools {
		e := &entry{cfg: pc}
		p.entries = append(p.entries, e)
		if e.err = p.initialize(e, align); e.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pool %s: %w", pc.Name, e.err))
		}
	}

	pools := p.pools()
	for f := 0; f < cfg.Frames && len(mempool.Pending(pools)) > 0; f++ {
		n, err := p.frame(pools)
		p.frames++
		p.log.Info("frame committed", zap.Int("frame", f), zap.Int("relocated", n))
		if err != nil {
			// Failed pools stay pending and are retried
			// in the next frame.
			p.log.Warn("relocation failed", zap.Int("frame", f), zap.Error(err))
		}
	}

	for _, e := range p.entries {
		if e.err != nil {
			continue
		}
		e.state = e.pool.State()
		if e.state == mempool.PendingRelocation {
			e.err = fmt.Errorf("still pending after %d frames", cfg.Frames)
			errs = multierror.Append(errs, fmt.Errorf("pool %s: %w", e.cfg.Name, e.err))
			continue
		}
		e.verified = p.verify(e)
		if !e.verified {
			e.err = errMismatch
			errs = multierror.Append(errs, fmt.Errorf("pool %s: %w", e.cfg.Name, e.err))
		}
	}
	return errs.ErrorOrNil()
}

func (p *probe) initialize(e *entry, align int64) (err error) {
	if e.prop, err = e.cfg.MemProp(); err != nil {
		return err
	}
	if e.host, err = hostmem.Alloc(e.cfg.Size, align); err != nil {
		return err
	}
	fill(e.host.Bytes(), e.cfg.Name)
	return e.pool.Initialize(p.gpu, &mempool.Config{
		Size:    e.host.Len(),
		Prop:    e.prop,
		Host:    e.host.Pointer(),
		Name:    e.cfg.Name,
		Logger:  logger.Get().Named("mempool"),
		Metrics: p.met,
	})
}

// frame records the relocation of pending pools into a
// new command buffer, commits it and waits for completion.
func (p *probe) frame(pools []*mempool.Pool) (int, error) {
	cb, err := p.gpu.NewCmdBuffer()
	if err != nil {
		return 0, err
	}
	defer cb.Destroy()
	if err := cb.Begin(); err != nil {
		return 0, err
	}
	n, rerr := mempool.RelocateAll(p.gpu, cb, pools)
	if err := cb.End(); err != nil {
		return 0, err
	}
	ch := make(chan error)
	p.gpu.Commit([]driver.CmdBuffer{cb}, ch)
	if err := <-ch; err != nil {
		return 0, err
	}
	return n, rerr
}

// verify compares the device memory of e with its host
// memory. Only soft memory can be inspected; other
// drivers are trusted.
func (p *probe) verify(e *entry) bool {
	b := soft.Bytes(e.pool.GetDeviceMemory())
	if b == nil {
		return true
	}
	return bytes.Equal(b, e.host.Bytes())
}

func (p *probe) pools() []*mempool.Pool {
	var ps []*mempool.Pool
	for _, e := range p.entries {
		if e.err == nil {
			ps = append(ps, &e.pool)
		}
	}
	return ps
}

func (p *probe) finalize() {
	for _, e := range p.entries {
		e.pool.Finalize()
		if e.host != nil {
			if err := e.host.Free(); err != nil {
				p.log.Warn("host memory not freed", zap.String("pool", e.cfg.Name), zap.Error(err))
			}
		}
	}
	if d, ok := p.gpu.(*soft.Driver); ok {
		if err := d.Leaks(); err != nil {
			p.log.Error("leaked device objects", zap.Error(err))
		}
	}
}

// fill writes a pattern derived from name into b.
func fill(b []byte, name string) {
	var h byte = 0x5a
	for i := 0; i < len(name); i++ {
		h = h*31 + name[i]
	}
	for i := range b {
		b[i] = h + byte(i*7)
	}
}

// report writes one line per pool to w.
func (p *probe) report(w io.Writer) {
	fmt.Fprintf(w, "driver: %s\nframes: %d\n", p.gpu.Driver().Name(), p.frames)
	tw := newTable(w)
	tw.row("POOL", "SIZE", "PROP", "STATE", "RESULT")
	for _, e := range p.entries {
		res := "ok"
		if e.err != nil {
			res = e.err.Error()
			if k := mempool.KindOf(e.err); k != 0 {
				res = k.String()
			}
		}
		tw.row(e.cfg.Name, fmt.Sprint(e.cfg.Size), e.prop.String(), e.state.String(), res)
	}
	tw.flush()
}
