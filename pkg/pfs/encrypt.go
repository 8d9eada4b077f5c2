package pfs

import (
	"context"
	"crypto/aes"

	"golang.org/x/crypto/xts"
	"golang.org/x/sync/errgroup"

	"github.com/orbistools/orbispkg/pkg/keys"
)

const (
	// XtsSectorSize is the encryption granularity of the image.
	XtsSectorSize = 0x1000

	sectorsPerBlock = BlockSize / XtsSectorSize

	encryptWorkers = 10
)

// xtsSectorGen yields every sector index that gets encrypted: starting
// at sector 16 (the header block stays plaintext) through the end of
// the image, skipping the 16 sectors of the empty block, which must
// remain plaintext zeroes so the runtime can recognize the image
// structure.
func xtsSectorGen(size, emptyBlock int64, yield func(sector int64) bool) {

	end := divide(size, XtsSectorSize)
	skipFrom, skipTo := int64(-1), int64(-1)
	if emptyBlock >= 0 {
		skipFrom = emptyBlock * sectorsPerBlock
		skipTo = skipFrom + sectorsPerBlock
	}

	for sector := int64(sectorsPerBlock); sector < end; sector++ {
		if sector >= skipFrom && sector < skipTo {
			continue
		}
		if !yield(sector) {
			return
		}
	}
}

// encrypt transforms the image in place with AES-XTS, one 4 KiB sector
// at a time, using the sector index as the tweak. Sectors never
// overlap, so workers share nothing but the image itself.
func (c *Compiler) encrypt(ctx context.Context, img []byte) error {

	tweakKey, dataKey := keys.PfsEncKey(c.ekpfs, c.seed, c.newCrypt)
	xtsKey := append(append([]byte(nil), dataKey...), tweakKey...)

	g, gctx := errgroup.WithContext(ctx)
	feed := make(chan int64)

	g.Go(func() error {
		defer close(feed)
		var err error
		xtsSectorGen(c.size, c.emptyBlock, func(sector int64) bool {
			select {
			case feed <- sector:
				return true
			case <-gctx.Done():
				err = gctx.Err()
				return false
			}
		})
		return err
	})

	for i := 0; i < encryptWorkers; i++ {
		g.Go(func() error {
			ciph, err := xts.NewCipher(aes.NewCipher, xtsKey)
			if err != nil {
				return err
			}
			for sector := range feed {
				off := sector * XtsSectorSize
				ciph.Encrypt(img[off:off+XtsSectorSize], img[off:off+XtsSectorSize], uint64(sector))
			}
			return nil
		})
	}

	return g.Wait()
}
