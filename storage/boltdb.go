package storage

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/anacrolix/torrent/metainfo"
)

var resumeBucketKey = []byte("resume")

type boltResumeStore struct {
	db *bbolt.DB
}

var _ ResumeStore = (*boltResumeStore)(nil)

// NewBoltResumeStore opens or creates resume.db in dir.
func NewBoltResumeStore(dir string) (ResumeStore, error) {
	db, err := bbolt.Open(filepath.Join(dir, "resume.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt db")
	}
	db.NoSync = true
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resumeBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating resume bucket")
	}
	return &boltResumeStore{db}, nil
}

func (me *boltResumeStore) Persistent() bool {
	return true
}

func (me *boltResumeStore) Get(ih metainfo.Hash) (data []byte, ok bool, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(resumeBucketKey).Get(ih[:])
		if v == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		ok = true
		return nil
	})
	err = errors.Wrapf(err, "getting resume data for %v", ih)
	return
}

func (me *boltResumeStore) Set(ih metainfo.Hash, data []byte) error {
	err := me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resumeBucketKey).Put(ih[:], data)
	})
	return errors.Wrapf(err, "setting resume data for %v", ih)
}

func (me *boltResumeStore) Delete(ih metainfo.Hash) error {
	err := me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resumeBucketKey).Delete(ih[:])
	})
	return errors.Wrapf(err, "deleting resume data for %v", ih)
}

func (me *boltResumeStore) List() (ret []metainfo.Hash, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(resumeBucketKey).ForEach(func(k, _ []byte) error {
			var ih metainfo.Hash
			if len(k) != len(ih) {
				return errors.Errorf("bad key length %v", len(k))
			}
			copy(ih[:], k)
			ret = append(ret, ih)
			return nil
		})
	})
	return
}

func (me *boltResumeStore) Close() error {
	return me.db.Close()
}
