package steps

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wbattistetti/omnia/internal/assembly"
	"github.com/wbattistetti/omnia/internal/models"
)

// deepField builds a composite field tree of the given depth and fan-out where
// every node authors a start step and some authors more.
func deepField(id string, depth, fanout int) models.Field {
	f := models.Field{
		ID: id,
		Prompts: map[models.StepType][]models.PromptLevel{
			models.StepStart: {{models.Text("Tell me " + id)}},
		},
	}
	if depth%2 == 0 {
		f.Prompts[models.StepNoMatch] = []models.PromptLevel{
			{models.Text("Sorry, " + id + "?")},
			{models.Text("Again, " + id), models.Ref("common.example")},
		}
	}
	if depth == 0 {
		return f
	}
	for i := 0; i < fanout; i++ {
		f.SubFields = append(f.SubFields, deepField(fmt.Sprintf("%s_%d", id, i), depth-1, fanout))
	}
	return f
}

func TestFlatten_Lossless(t *testing.T) {
	for _, shape := range []struct{ depth, fanout int }{{0, 0}, {1, 3}, {3, 2}, {4, 3}} {
		t.Run(fmt.Sprintf("depth%d_fanout%d", shape.depth, shape.fanout), func(t *testing.T) {
			field := deepField("root", shape.depth, shape.fanout)
			out, err := assembly.AssembleField(&field, "tpl")
			if err != nil {
				t.Fatal(err)
			}

			flat := FlattenFromNestedTree(out.Tree)
			rebuilt := Nest(&field, flat)
			if diff := cmp.Diff(out.Tree, rebuilt); diff != "" {
				t.Fatalf("nest(flatten(tree)) != tree (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(flat, FlattenFromNestedTree(rebuilt)); diff != "" {
				t.Fatalf("re-flattening changed the steps (-want +got):\n%s", diff)
			}

			seen := make(map[models.StepKey]bool)
			for _, step := range flat {
				if seen[step.Key()] {
					t.Fatalf("duplicate flat step %s", step.Key())
				}
				seen[step.Key()] = true
			}
		})
	}
}

func TestFlatten_DepthFirstOrder(t *testing.T) {
	field := deepField("root", 2, 2)
	out, err := assembly.AssembleField(&field, "tpl")
	if err != nil {
		t.Fatal(err)
	}
	var owners []string
	for _, step := range FlattenFromNestedTree(out.Tree) {
		if step.StepType == models.StepStart {
			owners = append(owners, step.OwnerFieldID)
		}
	}
	want := []string{"root", "root_0", "root_0_0", "root_0_1", "root_1", "root_1_0", "root_1_1"}
	if diff := cmp.Diff(want, owners); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestNest_DropsUnknownOwners(t *testing.T) {
	field := models.Field{ID: "a"}
	tree := Nest(&field, []models.DialogueStep{
		{OwnerFieldID: "a", StepType: models.StepStart},
		{OwnerFieldID: "ghost", StepType: models.StepStart},
	})
	if len(tree.Steps) != 1 || len(FlattenFromNestedTree(tree)) != 1 {
		t.Errorf("unexpected tree %+v", tree)
	}
}
