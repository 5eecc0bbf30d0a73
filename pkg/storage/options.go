package storage

// Option configures an Engine.
type Option func(*Engine)

// WithDataFile sets the snapshot file used by LoadData and SaveData.
func WithDataFile(path string) Option {
	return func(e *Engine) {
		e.dataFile = path
	}
}

// LoadData restores the configured snapshot file, if any.
func (e *Engine) LoadData() error {
	if e.dataFile == "" {
		return nil
	}
	return e.LoadFromFile(e.dataFile)
}

// SaveData writes the configured snapshot file, if any.
func (e *Engine) SaveData() error {
	if e.dataFile == "" {
		return nil
	}
	return e.SaveToFile(e.dataFile)
}
