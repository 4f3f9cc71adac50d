// Package demo is the scenario-S1/S3-style job tree cmd/kubrickd's
// submit-demo command runs: Print("A"), Print("A"), Print("B"), each
// printing exactly once regardless of how many times it is reached.
package demo

import (
	"context"
	"fmt"

	"github.com/ppiankov/kubrick/internal/director"
	"github.com/ppiankov/kubrick/internal/kjob"
	"github.com/ppiankov/kubrick/internal/scope"
)

// Print is an ExecutableJob that writes text to stdout, fingerprinted on
// text so two Prints of the same text single-flight into one node and two
// Prints of different text never collide (spec §8 S1).
type Print struct {
	text *kjob.Binding[kjob.String]
}

// NewPrint constructs a Print job bound to a constant string.
func NewPrint(text string) *Print {
	b := kjob.NewBinding[kjob.String]("text", kjob.DecodeString)
	b.Bind(kjob.String(text))
	return &Print{text: b}
}

func (*Print) TypeName() string { return "demo.Print" }

func (p *Print) InputDescriptors() []kjob.Descriptor {
	return []kjob.Descriptor{p.text.Descriptor()}
}

func (p *Print) Execute(ctx context.Context) error {
	f := scope.MustFrom(ctx)
	text, err := p.text.Value(f.Inputs)
	if err != nil {
		return err
	}
	fmt.Println(string(text))
	return nil
}

// Main is the SubmittableJob that drives the S1 job tree dynamically:
// Print("A") runs twice but single-flights to one execution, Print("B")
// runs once.
type Main struct{}

func (Main) TypeName() string                    { return "demo.Main" }
func (Main) InputDescriptors() []kjob.Descriptor { return nil }
func (Main) SubmittableTypeID() string           { return "demo.main" }

func (Main) Execute(ctx context.Context) error {
	if err := director.RunExecutable(ctx, NewPrint("A")); err != nil {
		return err
	}
	if err := director.RunExecutable(ctx, NewPrint("A")); err != nil {
		return err
	}
	return director.RunExecutable(ctx, NewPrint("B"))
}

// TypeResolver round-trips the one SubmittableJob this package defines.
type TypeResolver struct{}

func (TypeResolver) Encode(job kjob.SubmittableJob) (string, []byte, error) {
	if _, ok := job.(Main); !ok {
		return "", nil, fmt.Errorf("demo: unsupported job type %T", job)
	}
	return "demo.main", nil, nil
}

func (TypeResolver) Decode(typeID string, encoded []byte) (kjob.SubmittableJob, error) {
	if typeID != "demo.main" {
		return nil, fmt.Errorf("demo: unknown type id %q", typeID)
	}
	return Main{}, nil
}
