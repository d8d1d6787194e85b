package proc

import (
	"bytes"
	"debug/elf"
	"errors"

	lru "github.com/hashicorp/golang-lru"
)

// BinaryInfo holds the static image of the debugged executable and
// answers symbol table queries against it.
type BinaryInfo struct {
	// Path is the on-disk path the image was read from.
	Path string

	data []byte

	loaded  bool
	symbols []elf.Symbol
	loadErr error

	// byName maps every symbol name to the value of its first occurrence
	// in the symbol table.
	byName map[string]uint64

	// functionNames caches FunctionNameAt results, misses included.
	functionNames *lru.Cache
}

// FunctionSymbol is an STT_FUNC entry of the symbol table. Name is empty
// for unnamed symbols. Offset is the static value of the symbol.
type FunctionSymbol struct {
	Name   string
	Offset uint64
}

type functionLookup struct {
	name  string
	found bool
}

// NewBinaryInfo returns a BinaryInfo for the executable image data, read
// from path. Up to cacheSize address to function name lookups are cached.
func NewBinaryInfo(path string, data []byte, cacheSize int) *BinaryInfo {
	bi := &BinaryInfo{Path: path, data: data}
	if cacheSize > 0 {
		// lru.New only fails for non-positive sizes
		bi.functionNames, _ = lru.New(cacheSize)
	}
	return bi
}

// Data returns the raw executable image.
func (bi *BinaryInfo) Data() []byte {
	return bi.data
}

// loadSymbols parses the ELF symbol table once. An executable without a
// symbol table yields no symbols and no error.
func (bi *BinaryInfo) loadSymbols() ([]elf.Symbol, error) {
	if bi.loaded {
		return bi.symbols, bi.loadErr
	}
	bi.loaded = true

	f, err := elf.NewFile(bytes.NewReader(bi.data))
	if err != nil {
		bi.loadErr = InvalidElfFileError{Path: bi.Path, Err: err}
		return nil, bi.loadErr
	}
	defer f.Close()

	bi.symbols, err = f.Symbols()
	if err != nil {
		bi.symbols = nil
		if !errors.Is(err, elf.ErrNoSymbols) {
			bi.loadErr = InvalidElfFileError{Path: bi.Path, Err: err}
		}
	}
	bi.byName = make(map[string]uint64, len(bi.symbols))
	for i := range bi.symbols {
		name := bi.symbols[i].Name
		if _, dup := bi.byName[name]; name != "" && !dup {
			bi.byName[name] = bi.symbols[i].Value
		}
	}
	return bi.symbols, bi.loadErr
}

// FindSymbolAddressByName returns the static value of the first symbol
// named name, in symbol table order. Unnamed symbols never match.
func (bi *BinaryInfo) FindSymbolAddressByName(name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, nil
	}
	if _, err := bi.loadSymbols(); err != nil {
		return 0, false, err
	}
	off, found := bi.byName[name]
	return off, found, nil
}

// FunctionNameAt returns the name of the first named function symbol,
// in symbol table order, whose value is off.
func (bi *BinaryInfo) FunctionNameAt(off uint64) (string, bool, error) {
	if bi.functionNames != nil {
		if v, ok := bi.functionNames.Get(off); ok {
			l := v.(functionLookup)
			return l.name, l.found, nil
		}
	}

	syms, err := bi.loadSymbols()
	if err != nil {
		return "", false, err
	}

	var l functionLookup
	for i := range syms {
		if syms[i].Value == off && syms[i].Name != "" && elf.ST_TYPE(syms[i].Info) == elf.STT_FUNC {
			l = functionLookup{name: syms[i].Name, found: true}
			break
		}
	}
	if bi.functionNames != nil {
		bi.functionNames.Add(off, l)
	}
	return l.name, l.found, nil
}

// ListFunctionSymbols returns all function symbols in symbol table order.
func (bi *BinaryInfo) ListFunctionSymbols() ([]FunctionSymbol, error) {
	syms, err := bi.loadSymbols()
	if err != nil {
		return nil, err
	}
	r := []FunctionSymbol{}
	for i := range syms {
		if elf.ST_TYPE(syms[i].Info) != elf.STT_FUNC {
			continue
		}
		r = append(r, FunctionSymbol{Name: syms[i].Name, Offset: syms[i].Value})
	}
	return r, nil
}
