package hostfunc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

// Builtins returns a registry preloaded with the functions every instance
// offers:
//
//	log_debug(ptr, len i32)
//	log_info(ptr, len i32)
//	log_error(ptr, len i32)
//	time_now() f64          seconds since the Unix epoch
//	instance_id() i32       -1 outside an engine call
func Builtins(logger zerolog.Logger) *Registry {
	b := &builtins{logger: logger}

	r := NewRegistry()
	r.Register("log_debug", b.logDebug)
	r.Register("log_info", b.logInfo)
	r.Register("log_error", b.logError)
	r.Register("time_now", timeNow)
	r.Register("instance_id", instanceID)
	return r
}

type builtins struct {
	logger zerolog.Logger
}

// readMemory reads bytes from the calling module's memory.
func readMemory(mod api.Module, ptr, size uint32) ([]byte, error) {
	if mod == nil {
		return nil, fmt.Errorf("nil module")
	}

	memory := mod.Memory()
	if memory == nil {
		return nil, fmt.Errorf("no memory exported")
	}

	data, ok := memory.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read memory at %d[%d]", ptr, size)
	}

	return data, nil
}

func (b *builtins) log(ctx context.Context, level zerolog.Level, mod api.Module, ptr, size uint32) {
	data, err := readMemory(mod, ptr, size)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to read guest log message")
		return
	}

	ev := b.logger.WithLevel(level).Str("source", "wasm")
	if id, ok := InstanceFromContext(ctx); ok {
		ev = ev.Int("instance", id)
	}
	if mod != nil {
		ev = ev.Str("module", mod.Name())
	}
	ev.Msg(string(data))
}

func (b *builtins) logDebug(ctx context.Context, mod api.Module, ptr, size uint32) {
	b.log(ctx, zerolog.DebugLevel, mod, ptr, size)
}

func (b *builtins) logInfo(ctx context.Context, mod api.Module, ptr, size uint32) {
	b.log(ctx, zerolog.InfoLevel, mod, ptr, size)
}

func (b *builtins) logError(ctx context.Context, mod api.Module, ptr, size uint32) {
	b.log(ctx, zerolog.ErrorLevel, mod, ptr, size)
}

func timeNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func instanceID(ctx context.Context) int32 {
	id, ok := InstanceFromContext(ctx)
	if !ok {
		return -1
	}
	return int32(id)
}
