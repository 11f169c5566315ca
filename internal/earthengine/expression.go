package earthengine

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Value is one node of an Earth Engine expression graph, either a constant
// or a function invocation whose arguments are themselves nodes.
type Value map[string]interface{}

// Expression is the request form of a value graph with a single root.
type Expression struct {
	Result string           `json:"result"`
	Values map[string]Value `json:"values"`
}

func NewExpression(root Value) Expression {
	return Expression{Result: "0", Values: map[string]Value{"0": root}}
}

func Constant(v interface{}) Value {
	return Value{"constantValue": v}
}

func Invoke(function string, args map[string]Value) Value {
	return Value{"functionInvocationValue": map[string]interface{}{
		"functionName": function,
		"arguments":    args,
	}}
}

func ImageLoad(assetID string) Value {
	return Invoke("Image.load", map[string]Value{"id": Constant(assetID)})
}

func FeatureCollectionLoad(assetID string) Value {
	return Invoke("Collection.loadTable", map[string]Value{"tableId": Constant(assetID)})
}

// Select keeps the named bands of an image. No bands keeps the image as is.
func Select(image Value, bands []string) Value {
	if len(bands) == 0 {
		return image
	}
	return Invoke("Image.select", map[string]Value{
		"input":         image,
		"bandSelectors": Constant(bands),
	})
}

func First(collection Value) Value {
	return Invoke("Collection.first", map[string]Value{"collection": collection})
}

func PropertyNames(element Value) Value {
	return Invoke("Element.propertyNames", map[string]Value{"element": element})
}

// CollectionGeometry unions the geometries of a feature collection.
func CollectionGeometry(collection Value) Value {
	return Invoke("Collection.geometry", map[string]Value{"collection": collection})
}

// Geometry builds a geometry constructor call from an orb geometry.
func Geometry(g orb.Geometry) Value {
	gj := geojson.NewGeometry(g)
	return Invoke("GeometryConstructors."+gj.Type, map[string]Value{
		"coordinates": Constant(gj.Coordinates),
	})
}

// MinMeanMaxReducer combines mean, min and max over shared inputs.
func MinMeanMaxReducer() Value {
	combine := func(a, b Value) Value {
		return Invoke("Reducer.combine", map[string]Value{
			"reducer1":     a,
			"reducer2":     b,
			"sharedInputs": Constant(true),
		})
	}
	mean := Invoke("Reducer.mean", map[string]Value{})
	lo := Invoke("Reducer.min", map[string]Value{})
	hi := Invoke("Reducer.max", map[string]Value{})
	return combine(combine(mean, lo), hi)
}

func ReduceRegion(image, reducer, geometry Value, scale float64, maxPixels float64) Value {
	return Invoke("Image.reduceRegion", map[string]Value{
		"image":     image,
		"reducer":   reducer,
		"geometry":  geometry,
		"scale":     Constant(scale),
		"maxPixels": Constant(maxPixels),
	})
}

// ClipToBoundsAndScale crops an image to a region and resamples it to the
// given pixel dimensions.
func ClipToBoundsAndScale(image, geometry Value, width, height int) Value {
	return Invoke("Image.clipToBoundsAndScale", map[string]Value{
		"input":    image,
		"geometry": geometry,
		"width":    Constant(width),
		"height":   Constant(height),
	})
}
