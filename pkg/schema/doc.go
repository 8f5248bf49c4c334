// Package schema validates decoded JSON resource bodies.
//
// An Object lists the fields a body may carry and the Type each must
// satisfy. Validate reports every violation at once as a single 400
// domain error whose details name the offending field:
//
//	person := schema.Object{
//	    Fields: map[string]schema.Field{
//	        "key":       {Type: schema.GUID()},
//	        "firstname": {Type: schema.NonEmpty(), Required: true},
//	        "balance":   {Type: schema.Int()},
//	    },
//	}
//
//	if err := person.ValidateJSON(req.Body); err != nil {
//	    return nil, err
//	}
//
// Objects marshal to a JSON Schema document, which resources expose
// under their "/schema" path.
package schema
