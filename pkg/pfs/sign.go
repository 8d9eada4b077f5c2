package pfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"golang.org/x/sync/errgroup"

	"github.com/orbistools/orbispkg/pkg/keys"
)

// signWorkers bounds the parallelism of the data-signature pass. Every
// worker owns its own HMAC state, keyed once.
const signWorkers = 10

func signBlock(img []byte, mac hash.Hash, si BlockSigInfo) {
	mac.Reset()
	mac.Write(img[si.Block*BlockSize : si.Block*BlockSize+si.Size])
	mac.Sum(img[si.SigOffset:si.SigOffset])
	binary.LittleEndian.PutUint32(img[si.SigOffset+32:], uint32(si.Block))
}

// sign writes every planned block signature. Data-block signatures are
// independent of one another and run in parallel; the final pool runs
// serially afterwards because indirect-block contents are themselves
// made of data signatures that must already be in place.
func (c *Compiler) sign(ctx context.Context, img []byte) error {

	signKey := keys.PfsSignKey(c.ekpfs, c.seed)

	g, gctx := errgroup.WithContext(ctx)
	feed := make(chan BlockSigInfo)

	g.Go(func() error {
		defer close(feed)
		for _, si := range c.dataSigs {
			select {
			case feed <- si:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < signWorkers; i++ {
		g.Go(func() error {
			mac := hmac.New(sha256.New, signKey)
			for si := range feed {
				signBlock(img, mac, si)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return err
	}

	// The final pool was enqueued parents-first: header, inode blocks,
	// then each node's indirect chain. Walking it in reverse signs
	// children before the blocks that contain their signatures, with
	// the header last. The header's own signature slot lies inside its
	// covered range and is zero at computation time; verifiers must
	// zero it the same way.
	mac := hmac.New(sha256.New, signKey)
	for i := len(c.finalSigs) - 1; i >= 0; i-- {
		if err = ctx.Err(); err != nil {
			return err
		}
		signBlock(img, mac, c.finalSigs[i])
	}

	return nil
}
