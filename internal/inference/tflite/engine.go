// Package tflite serves classifications from a TensorFlow Lite model.
package tflite

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"go.uber.org/zap"

	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
)

// Options configures model loading.
type Options struct {
	ModelPath    string
	InputSize    int
	NumClasses   int
	Threads      int
	ApplySoftmax bool
}

// Engine owns one interpreter built from an immutable model. Invocations are
// serialised because an interpreter's tensors are shared scratch space.
type Engine struct {
	mu           sync.Mutex
	model        *tflite.Model
	options      *tflite.InterpreterOptions
	interpreter  *tflite.Interpreter
	inputSize    int
	numClasses   int
	applySoftmax bool
}

// Load reads the model file, allocates tensors and checks the input and
// output shapes against opts.
func Load(opts Options, logger *zap.Logger) (*Engine, error) {
	start := time.Now()

	data, err := os.ReadFile(opts.ModelPath) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", opts.ModelPath, err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", opts.ModelPath)
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		logger.Error("tflite error", zap.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter")
	}

	e := &Engine{
		model:        model,
		options:      options,
		interpreter:  interpreter,
		inputSize:    opts.InputSize,
		numClasses:   opts.NumClasses,
		applySoftmax: opts.ApplySoftmax,
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		e.Close()
		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}
	if err := e.validate(); err != nil {
		e.Close()
		return nil, err
	}

	logger.Info("classifier model loaded",
		zap.String("model", opts.ModelPath),
		zap.Int("threads", threads),
		zap.Int("input_size", opts.InputSize),
		zap.Duration("load_time", time.Since(start)))
	return e, nil
}

func (e *Engine) validate() error {
	input := e.interpreter.GetInputTensor(0)
	if input == nil {
		return fmt.Errorf("cannot get input tensor from model")
	}
	want := []int{1, e.inputSize, e.inputSize, imageprocessor.Channels}
	if input.NumDims() != len(want) {
		return fmt.Errorf("model input has %d dims, want %d", input.NumDims(), len(want))
	}
	for i, w := range want {
		if got := input.Dim(i); got != w {
			return fmt.Errorf("model input dim %d is %d, want %d", i, got, w)
		}
	}

	output := e.interpreter.GetOutputTensor(0)
	if output == nil {
		return fmt.Errorf("cannot get output tensor from model")
	}
	if got := output.Dim(output.NumDims() - 1); got != e.numClasses {
		return fmt.Errorf("model outputs %d classes but %d labels are configured", got, e.numClasses)
	}
	return nil
}

// Classify copies the tensor into the interpreter, invokes it and returns the
// class scores.
func (e *Engine) Classify(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tensor.Height != e.inputSize || tensor.Width != e.inputSize {
		return nil, fmt.Errorf("tensor is %dx%d, model expects %dx%d", tensor.Height, tensor.Width, e.inputSize, e.inputSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	input := e.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	copy(input.Float32s(), tensor.Data)

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := e.interpreter.GetOutputTensor(0)
	scores := make([]float32, e.numClasses)
	copy(scores, output.Float32s())

	if e.applySoftmax {
		scores = inference.Softmax(scores)
	}
	return scores, nil
}

// Close releases the interpreter and model.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interpreter != nil {
		e.interpreter.Delete()
		e.interpreter = nil
	}
	if e.options != nil {
		e.options.Delete()
		e.options = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
}
