package ogstore

type ChannelStats struct {
	Objects int
	Roots   int
	Types   int

	DataSize  int64
	DataAlloc int64
	FileSize  int64
}

// Stats reports object counts and storage usage of the channel.
func (c *Channel) Stats() (ChannelStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ChannelStats{}, ErrClosed
	}
	var result ChannelStats
	err := c.read(func(tx StorageTx) error {
		result = c.statsIn(tx)
		return nil
	})
	return result, err
}

func (c *Channel) statsIn(tx StorageTx) ChannelStats {
	bs := tx.Bucket(objectsBucket).Stats()
	return ChannelStats{
		Objects:   bs.KeyN,
		Roots:     tx.Bucket(rootsBucket).Stats().KeyN,
		Types:     c.types.Dictionary().Len(),
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
		FileSize:  tx.Size(),
	}
}
