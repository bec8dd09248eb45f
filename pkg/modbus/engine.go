package modbus

import (
	"time"

	"go.uber.org/zap"

	"github.com/fieldbus-go/modbus-rtu/internal/logger"
)

// Counters receives per-exchange bookkeeping events. devicestate.DeviceState
// implements this; Engine/Client never import the devicestate package
// directly, they only depend on this narrow interface (kept here so the
// engine (C4) can report through it without creating an import cycle with C6).
type Counters interface {
	RecordRequest()
	RecordSuccess()
	RecordTimeout()
	RecordCRCError()
	RecordException()
	RecordIoError()
	RecordCRCQuirk(variant string)
	RecordFunctionQuirk()
}

// EngineConfig holds the transport engine's timing policy (spec §4.4/§5).
type EngineConfig struct {
	AttemptTimeout time.Duration
	RS485MinGap    time.Duration
	MaxAttempts    int // default 3
	BaudRate       int // used to size the initial settling wait
}

func (c EngineConfig) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

// Engine drives a single half-duplex request/response exchange over a
// Transport, with adaptive length detection, retries, and RS-485
// pacing (spec §4.4). It does not itself lock for concurrent access —
// Client is responsible for serializing calls through its own mutex
// (spec §5: "single client instance" ordering guarantee).
type Engine struct {
	transport Transport
	cfg       EngineConfig
	lastOpEnd time.Time
	hasLastOp bool

	// Reopen is invoked when an attempt fails with an I/O error and a
	// retry remains; it must return a freshly opened Transport on the
	// same port/baud. Client wires this to its own open/close logic
	// since Engine does not own port lifecycle. If nil, I/O errors are
	// not retried.
	Reopen func() (Transport, error)
}

// NewEngine wraps transport with the given timing policy.
func NewEngine(transport Transport, cfg EngineConfig) *Engine {
	return &Engine{transport: transport, cfg: cfg}
}

// SetTransport swaps the underlying link, used after a baudrate switch
// closes and reopens the port at a new rate.
func (e *Engine) SetTransport(t Transport) { e.transport = t }

// exchangeOutcome is the raw result of a single attempt, before §4.4
// step 7 hands the buffer to the frame codec.
type exchangeOutcome struct {
	buffer []byte
	timedOut bool
	ioErr  error
}

// Exchange sends request and waits for a response identified by
// (unitID, functionCode), retrying per the §4.4 policy. counters may
// be nil, in which case no outcome is tallied. On an I/O error the
// transport is closed before Reopen is tried or the IoError returned.
func (e *Engine) Exchange(request []byte, unitID byte, fc FunctionCode, counters Counters) (ParseResult, error) {
	attemptTimeout := e.cfg.AttemptTimeout
	var lastErr error
	var lastParse ParseResult

	for attempt := 1; attempt <= e.cfg.maxAttempts(); attempt++ {
		if counters != nil {
			counters.RecordRequest()
		}

		outcome := e.attempt(request, attemptTimeout)
		if outcome.ioErr != nil {
			if counters != nil {
				counters.RecordIoError()
			}
			lastErr = &IoError{Op: "exchange", Err: outcome.ioErr}
			_ = e.transport.Close()
			if attempt < e.cfg.maxAttempts() && e.Reopen != nil {
				if fresh, rerr := e.Reopen(); rerr == nil {
					e.transport = fresh
					e.sleepBeforeRetry()
					attemptTimeout = growTimeout(attemptTimeout)
					continue
				}
			}
			return ParseResult{}, lastErr
		}

		if len(outcome.buffer) == 0 {
			if counters != nil {
				counters.RecordTimeout()
			}
			lastErr = &TimeoutError{UnitID: unitID, FunctionCode: fc, Attempts: attempt}
			if attempt < e.cfg.maxAttempts() {
				e.sleepBeforeRetry()
				attemptTimeout = growTimeout(attemptTimeout)
				continue
			}
			return ParseResult{}, lastErr
		}

		result := ParseResponse(outcome.buffer, unitID, fc)
		lastParse = result

		switch result.Status {
		case ParseOK:
			if counters != nil {
				counters.RecordSuccess()
			}
			recordQuirks(result, counters, unitID, fc)
			return result, nil

		case ParseException:
			if counters != nil {
				counters.RecordException()
			}
			// A quirk can be what let the exception frame parse at all
			// (§4.1/§4.2); record it the same as a successful exchange
			// would, independent of the exception short-circuiting retry.
			recordQuirks(result, counters, unitID, fc)
			return result, &ExceptionResponse{Code: result.ExceptionCode}

		case ParseInvalid:
			if counters != nil {
				counters.RecordCRCError()
			}
			// ProtocolMismatch is not retried either, but a frame that
			// failed CRC outright (no structural fallback) retries as
			// a CrcError per §4.4's failure classification.
			err := classifyInvalid(outcome.buffer, unitID, fc)
			if _, isMismatch := err.(*ProtocolMismatch); isMismatch {
				return result, err
			}
			lastErr = err
			if attempt < e.cfg.maxAttempts() {
				e.sleepBeforeRetry()
				attemptTimeout = growTimeout(attemptTimeout)
				continue
			}
			return result, lastErr

		case ParseIncomplete:
			if counters != nil {
				counters.RecordTimeout()
			}
			lastErr = &TimeoutError{UnitID: unitID, FunctionCode: fc, Attempts: attempt}
			if attempt < e.cfg.maxAttempts() {
				e.sleepBeforeRetry()
				attemptTimeout = growTimeout(attemptTimeout)
				continue
			}
			return result, lastErr
		}
	}

	return lastParse, lastErr
}

// recordQuirks tallies and logs CRC/function-code quirk acceptance
// (spec §4.1's "quirk success must be recorded ... and reported") and
// logs unit-ID tolerance (broadcast echo) acceptance,
// shared by both ParseOK and ParseException since a quirk can be what
// let either kind of frame parse at all.
func recordQuirks(result ParseResult, counters Counters, unitID byte, fc FunctionCode) {
	if counters != nil {
		if result.CRCQuirk != "" {
			counters.RecordCRCQuirk(string(result.CRCQuirk))
		}
		if result.FunctionQuirk {
			counters.RecordFunctionQuirk()
		}
	}
	if result.CRCQuirk != "" {
		logger.Get().Warn("accepted response via CRC quirk",
			zap.Uint8("unit_id", unitID), zap.String("variant", string(result.CRCQuirk)))
	}
	if result.FunctionQuirk {
		logger.Get().Warn("accepted response via function-code compatibility rule",
			zap.Uint8("unit_id", unitID), zap.Uint8("requested_func", byte(fc)))
	}
	if result.UnitQuirk {
		logger.Get().Warn("accepted response via unit-ID tolerance",
			zap.Uint8("unit_id", unitID))
	}
}

// classifyInvalid distinguishes a bare CRC failure (retryable) from a
// protocol mismatch (not retryable), both of which ParseResponse
// reports as ParseInvalid. It re-derives the distinction by checking
// whether CRC alone would have passed.
func classifyInvalid(buf []byte, expectedUnit byte, expectedFunc FunctionCode) error {
	if len(buf) < 3 {
		return &CrcError{Frame: buf}
	}
	crcOK := VerifyCRC16(buf)
	if !crcOK {
		if ok, _ := tryQuirkCRCs(buf); !ok {
			return &CrcError{Frame: buf}
		}
	}
	gotUnit := byte(0)
	gotFunc := FunctionCode(0)
	if len(buf) >= 2 {
		gotUnit = buf[0]
		gotFunc = FunctionCode(buf[1])
	}
	return &ProtocolMismatch{ExpectedUnit: expectedUnit, GotUnit: gotUnit, ExpectedFunction: expectedFunc, GotFunction: gotFunc}
}

func growTimeout(d time.Duration) time.Duration {
	return time.Duration(float64(d) * 1.5)
}

// attempt runs a single send/receive cycle per §4.4 steps 1–7 (minus
// the final parse handoff, done by the caller).
func (e *Engine) attempt(request []byte, timeout time.Duration) exchangeOutcome {
	e.enforcePacing()

	if err := e.transport.FlushIn(); err != nil {
		return exchangeOutcome{ioErr: err}
	}
	if err := e.transport.FlushOut(); err != nil {
		return exchangeOutcome{ioErr: err}
	}
	time.Sleep(50 * time.Millisecond)

	if err := e.transport.WriteAll(request); err != nil {
		e.markOpEnd()
		return exchangeOutcome{ioErr: err}
	}

	settle := minResponseSettlingWait(e.cfg.BaudRate)
	time.Sleep(settle)

	attemptStart := time.Now()
	deadline := attemptStart.Add(timeout)
	quirkDeadline := attemptStart.Add(time.Duration(0.7 * float64(timeout)))
	buf := make([]byte, 0, 256)
	expectedLen := -1
	var lastByteAt time.Time

	for {
		chunk, err := e.transport.ReadAvailable()
		if err != nil {
			e.markOpEnd()
			return exchangeOutcome{ioErr: err}
		}
		if len(chunk) > 0 {
			buf = append(buf, chunk...)
			lastByteAt = time.Now()
		}

		if len(buf) >= 2 {
			expectedLen = expectedFrameLength(buf)
		}
		if expectedLen > 0 && len(buf) >= expectedLen {
			e.markOpEnd()
			return exchangeOutcome{buffer: buf}
		}

		now := time.Now()
		if now.After(deadline) {
			e.markOpEnd()
			return exchangeOutcome{buffer: buf}
		}

		// §4.4 step 5d: accept a short-but-quiescent response once 70%
		// of the attempt timeout has elapsed with no new bytes for 10ms.
		if len(buf) >= 4 && now.After(quirkDeadline) && !lastByteAt.IsZero() && now.Sub(lastByteAt) >= 10*time.Millisecond {
			e.markOpEnd()
			return exchangeOutcome{buffer: buf}
		}

		time.Sleep(7 * time.Millisecond)
	}
}

// expectedFrameLength implements §4.4 step 5b's length table.
func expectedFrameLength(buf []byte) int {
	fc := FunctionCode(buf[1])
	switch {
	case fc.IsException():
		return 5
	case isReadFunc(fc.Base()) || isReadFunc(fc):
		if len(buf) < 3 {
			return -1
		}
		return 3 + int(buf[2]) + 2
	case isSingleWriteFunc(fc), isMultiWriteFunc(fc):
		return 8
	default:
		return -1
	}
}

// minResponseSettlingWait implements §4.4 step 4: max(100ms, 2 ×
// (10 bits × min_response_bytes / baudrate)).
func minResponseSettlingWait(baud int) time.Duration {
	const minResponseBytes = 5
	if baud <= 0 {
		return 100 * time.Millisecond
	}
	seconds := 2 * (10.0 * float64(minResponseBytes) / float64(baud))
	computed := time.Duration(seconds * float64(time.Second))
	if computed < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return computed
}

func (e *Engine) enforcePacing() {
	if !e.hasLastOp {
		return
	}
	minGap := e.cfg.RS485MinGap
	if minGap <= 0 {
		minGap = 50 * time.Millisecond
	}
	elapsed := time.Since(e.lastOpEnd)
	if elapsed < minGap {
		time.Sleep(minGap - elapsed)
	}
}

func (e *Engine) markOpEnd() {
	e.lastOpEnd = time.Now()
	e.hasLastOp = true
}

func (e *Engine) sleepBeforeRetry() {
	minGap := e.cfg.RS485MinGap
	if minGap <= 0 {
		minGap = 50 * time.Millisecond
	}
	time.Sleep(2 * minGap)
}
