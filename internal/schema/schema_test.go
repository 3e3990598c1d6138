package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "defichat"}
	child := &cobra.Command{Use: "wallet", Short: "wallet cmds"}
	leaf := &cobra.Command{Use: "import", Short: "import a wallet", Run: func(*cobra.Command, []string) {}}
	leaf.Flags().String("private-key", "", "hex private key")
	leaf.Flags().String("name", "", "wallet name")
	MarkSensitive(leaf, "private-key")
	_ = leaf.MarkFlagRequired("name")
	child.AddCommand(leaf)
	root.AddCommand(child)

	s, err := Build(root, "wallet import")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "defichat wallet import" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "name" || s.Flags[1].Name != "private-key" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if !s.Flags[0].Required || s.Flags[0].Sensitive {
		t.Fatalf("expected name required and not sensitive: %+v", s.Flags[0])
	}
	if !s.Flags[1].Sensitive || s.Flags[1].Required {
		t.Fatalf("expected private-key sensitive: %+v", s.Flags[1])
	}
}

func TestBuildSchemaUnknownCommand(t *testing.T) {
	root := &cobra.Command{Use: "defichat"}
	if _, err := Build(root, "wallet nope"); err == nil {
		t.Fatal("expected command not found error")
	}
}
