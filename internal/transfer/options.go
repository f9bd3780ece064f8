package transfer

// Config holds the pipeline configuration.
type Config struct {
	// ReadChunkSize is the number of bytes requested per ReadFlash call.
	ReadChunkSize int

	// WriteChunkSize is the number of bytes handed to each WriteFlash call.
	WriteChunkSize int
}

const (
	DefaultReadChunkSize  = 0x40000 // 256 KiB
	DefaultWriteChunkSize = 0x40000
)

func defaultConfig() Config {
	return Config{
		ReadChunkSize:  DefaultReadChunkSize,
		WriteChunkSize: DefaultWriteChunkSize,
	}
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Config)

// WithReadChunkSize sets the read chunk size. Non-positive values are ignored.
func WithReadChunkSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ReadChunkSize = n
		}
	}
}

// WithWriteChunkSize sets the write chunk size. Non-positive values are ignored.
func WithWriteChunkSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.WriteChunkSize = n
		}
	}
}
