package provider

import (
	_ "embed"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/segmentio/encoding/json"
)

//go:embed scene.schema.json
var sceneSchemaJSON string

var sceneSchema = jsonschema.MustCompileString("scene.schema.json", sceneSchemaJSON)

// DecodeMetadata parses and validates a scene metadata document. When
// modelID is not empty, it must match the one of the document.
func DecodeMetadata(modelID string, b []byte) (models.SceneMetadata, error) {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return models.SceneMetadata{}, errors.New("decoding scene metadata failed").
			WithType(models.ErrTypeInvalidMetadata).
			WithTag("model_id", modelID).
			Wrap(err)
	}

	if err := sceneSchema.Validate(doc); err != nil {
		return models.SceneMetadata{}, errors.New("invalid scene metadata").
			WithType(models.ErrTypeInvalidMetadata).
			WithTag("model_id", modelID).
			Wrap(err)
	}

	var scene models.SceneMetadata
	if err := json.Unmarshal(b, &scene); err != nil {
		return models.SceneMetadata{}, errors.New("decoding scene metadata failed").
			WithType(models.ErrTypeInvalidMetadata).
			WithTag("model_id", modelID).
			Wrap(err)
	}

	if modelID != "" && scene.ModelID != modelID {
		return models.SceneMetadata{}, errors.New("scene metadata belongs to another model").
			WithType(models.ErrTypeInvalidMetadata).
			WithTag("model_id", modelID).
			WithTag("scene_model_id", scene.ModelID)
	}
	return scene, nil
}

// EncodeMetadata is the reverse of DecodeMetadata.
func EncodeMetadata(scene models.SceneMetadata) ([]byte, error) {
	return json.Marshal(scene)
}
