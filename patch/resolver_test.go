package patch

import (
	"errors"
	"testing"

	"github.com/lorakit/lorakit/nn"
)

func resolverModel() *nn.Module {
	model := nn.NewModule()

	foo := model.AddModule("foo")
	foo.AddModule("bar_baz")
	foo.AddModule("proj")

	// "to" is both a valid sub-module and a prefix of "to_q"
	model.AddModule("to").AddModule("q")
	model.AddModule("to_q")

	model.AddModule("time_embedding").AddModule("linear_1")

	return model
}

func TestResolve(t *testing.T) {
	model := resolverModel()

	cases := []struct {
		name string
		key  string
		want string
	}{
		{"simple", "lora_unet_foo_proj", "foo.proj"},
		{"underscore in module name", "lora_unet_foo_bar_baz", "foo.bar_baz"},
		{"underscores at both levels", "lora_unet_time_embedding_linear_1", "time_embedding.linear_1"},
		{"shortest accumulated match wins", "lora_unet_to_q", "to.q"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, module, err := Resolve(model, tt.key, "lora_unet_")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.key, got, tt.want)
			}

			want, err := model.Submodule(tt.want)
			if err != nil {
				t.Fatal(err)
			}
			if module != want {
				t.Errorf("Resolve(%q) returned a module other than %q", tt.key, tt.want)
			}
		})
	}
}

func TestResolveInvalidKey(t *testing.T) {
	model := resolverModel()

	cases := []struct {
		name string
		key  string
	}{
		{"wrong prefix", "badprefix_x"},
		{"prefix only", "lora_unet_"},
		{"unknown module", "lora_unet_nope"},
		{"leftover tokens", "lora_unet_foo_proj_extra"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Resolve(model, tt.key, "lora_unet_")

			var keyErr *InvalidKeyError
			if !errors.As(err, &keyErr) {
				t.Fatalf("Resolve(%q) = %v, want InvalidKeyError", tt.key, err)
			}
			if keyErr.Key != tt.key {
				t.Errorf("error key = %q, want %q", keyErr.Key, tt.key)
			}
		})
	}
}

func TestResolveIsReadOnly(t *testing.T) {
	model := resolverModel()

	if _, _, err := Resolve(model, "lora_unet_foo_bar_baz", "lora_unet_"); err != nil {
		t.Fatal(err)
	}

	// a failed resolution must not create namespace entries either
	if _, _, err := Resolve(model, "lora_unet_ghost", "lora_unet_"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := model.Child("ghost"); ok {
		t.Error("failed resolution created a submodule")
	}
}
