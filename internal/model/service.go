package model

// ServiceRegistration is the set of services exposed by one remote
// domain (light, switch, notify, ...). Registrations are keyed by
// domain in the state store.
type ServiceRegistration struct {
	Domain   string    `json:"domain"`
	Services []Service `json:"services"`
}

// Service is a single invocable service within a domain.
type Service struct {
	Domain      string         `json:"domain"`
	Name        string         `json:"service"`
	Description string         `json:"description"`
	Fields      []ServiceField `json:"fields"`
}

// ServiceField describes one parameter a service accepts.
type ServiceField struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Example     any    `json:"example"`
}

// ServiceRegistrationFromWire builds a registration from the
// get_services result payload for one domain: a mapping of service
// name to {description, fields}.
func ServiceRegistrationFromWire(domain string, services map[string]any) ServiceRegistration {
	reg := ServiceRegistration{Domain: domain}
	for name, raw := range services {
		svc := Service{Domain: domain, Name: name}
		info, ok := raw.(map[string]any)
		if !ok {
			reg.Services = append(reg.Services, svc)
			continue
		}
		if desc, ok := info["description"].(string); ok {
			svc.Description = desc
		}
		if fields, ok := info["fields"].(map[string]any); ok {
			for fieldName, fieldRaw := range fields {
				field := ServiceField{Name: fieldName}
				if fieldInfo, ok := fieldRaw.(map[string]any); ok {
					if desc, ok := fieldInfo["description"].(string); ok {
						field.Description = desc
					}
					field.Example = fieldInfo["example"]
				}
				svc.Fields = append(svc.Fields, field)
			}
		}
		reg.Services = append(reg.Services, svc)
	}
	return reg
}
